// Package hubconn parses an Azure-IoT-Hub-shaped device connection string
// and derives the MQTT client options (host, username, SAS token
// password) the hub transport needs, per spec.md §6's wire shape.
package hubconn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wellmonitor/agent/internal/wellerr"
)

// Info is the parsed form of a connection string of the shape
// "HostName=<host>;DeviceId=<id>;SharedAccessKey=<base64key>".
type Info struct {
	HostName  string
	DeviceID  string
	SharedKey []byte
}

// Parse splits a connection string into its three named fields.
func Parse(raw string) (Info, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}
	host, deviceID, keyB64 := fields["HostName"], fields["DeviceId"], fields["SharedAccessKey"]
	if host == "" || deviceID == "" || keyB64 == "" {
		return Info{}, wellerr.New("hubconn", "parse", wellerr.KindConfig,
			fmt.Errorf("connection string must set HostName, DeviceId, and SharedAccessKey"))
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return Info{}, wellerr.New("hubconn", "parse", wellerr.KindConfig, fmt.Errorf("decode SharedAccessKey: %w", err))
	}
	return Info{HostName: host, DeviceID: deviceID, SharedKey: key}, nil
}

// MQTTBrokerURL is the TLS MQTT endpoint every Azure IoT Hub device
// connects to.
func (i Info) MQTTBrokerURL() string {
	return "tls://" + i.HostName + ":8883"
}

// MQTTUsername is the fixed username form the hub's MQTT bridge expects.
func (i Info) MQTTUsername() string {
	return i.HostName + "/" + i.DeviceID + "/?api-version=2021-04-12"
}

// SASToken builds a shared-access-signature password valid for ttl,
// scoped to this device's resource path (the standard Azure IoT Hub
// device SAS token shape: sr=<resource>&sig=<hmac>&se=<expiry>).
func (i Info) SASToken(ttl time.Duration) string {
	resource := url.QueryEscape(i.HostName + "/devices/" + i.DeviceID)
	expiry := strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	toSign := resource + "\n" + expiry

	mac := hmac.New(sha256.New, i.SharedKey)
	mac.Write([]byte(toSign))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", resource, url.QueryEscape(sig), expiry)
}
