// Package sync implements the Sync component (spec.md §4.M): uploads
// unsynced rows with back-off, marking them synced on ack.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/robfig/cron/v3"

	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/storage"
	"github.com/wellmonitor/agent/internal/wellerr"
)

const batchSize = 100

// Syncer drains Persistence's unsynced rows to the hub on a cron
// cadence, backing off on network errors and quarantining rows the hub
// permanently rejects.
type Syncer struct {
	client   mqtt.Client
	deviceID string
	store    *storage.Store
	config   *config.Store
	logger   logging.Logger
	cron     *cron.Cron
}

func New(client mqtt.Client, deviceID string, store *storage.Store, cfg *config.Store, logger logging.Logger) *Syncer {
	return &Syncer{client: client, deviceID: deviceID, store: store, config: cfg, logger: logger, cron: cron.New()}
}

func (s *Syncer) Start(ctx context.Context) error {
	interval := s.config.Current().Monitoring.SyncIntervalSeconds
	spec := "@every " + time.Duration(interval*int(time.Second)).String()
	if _, err := s.cron.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return wellerr.New("sync", "start", wellerr.KindConfig, err)
	}
	s.cron.Start()
	return nil
}

func (s *Syncer) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Syncer) tick(ctx context.Context) {
	s.syncReadings(ctx)
	s.syncRelayActions(ctx)
}

func (s *Syncer) syncReadings(ctx context.Context) {
	readings, err := s.store.ListUnsyncedReadings(ctx, batchSize)
	if err != nil {
		wellerr.Log(ctx, s.logger.Base(), err)
		return
	}
	if len(readings) == 0 {
		return
	}

	var synced []int64
	for _, r := range readings {
		body, err := json.Marshal(r)
		if err != nil {
			s.quarantine(ctx, r.ID, "marshal: "+err.Error())
			continue
		}
		if err := s.publishWithBackoff(ctx, body); err != nil {
			if wellerr.KindOf(err) == wellerr.KindNetwork {
				return // leave the rest for the next tick
			}
			s.quarantine(ctx, r.ID, err.Error())
			continue
		}
		synced = append(synced, r.ID)
	}
	if err := s.store.MarkSyncedReadings(ctx, synced); err != nil {
		wellerr.Log(ctx, s.logger.Base(), err)
	}
}

func (s *Syncer) syncRelayActions(ctx context.Context) {
	actions, err := s.store.ListUnsyncedRelayActions(ctx, batchSize)
	if err != nil {
		wellerr.Log(ctx, s.logger.Base(), err)
		return
	}
	if len(actions) == 0 {
		return
	}
	var synced []int64
	for _, a := range actions {
		body, err := json.Marshal(a)
		if err != nil {
			continue
		}
		if err := s.publishWithBackoff(ctx, body); err != nil {
			if wellerr.KindOf(err) == wellerr.KindNetwork {
				return
			}
			continue
		}
		synced = append(synced, a.ID)
	}
	if err := s.store.MarkSyncedRelayActions(ctx, synced); err != nil {
		wellerr.Log(ctx, s.logger.Base(), err)
	}
}

func (s *Syncer) quarantine(ctx context.Context, id int64, reason string) {
	if err := s.store.QuarantineReading(ctx, id, reason); err != nil {
		wellerr.Log(ctx, s.logger.Base(), err)
	}
}

// publishWithBackoff retries network failures with exponential back-off
// from 1s up to a 60s interval, randomized by the back-off library's
// default ±50% factor (not full jitter), and gives up after 24h of
// elapsed retrying; the number of attempts is not capped.
func (s *Syncer) publishWithBackoff(ctx context.Context, body []byte) error {
	topic := batchTopic(s.deviceID)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 24 * time.Hour

	return backoff.Retry(func() error {
		token := s.client.Publish(topic, 1, false, body)
		token.Wait()
		if err := token.Error(); err != nil {
			return wellerr.New("sync", "publish", wellerr.KindNetwork, err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func batchTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/?batch=true"
}
