package ocr

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/wellmonitor/agent/internal/wellerr"
)

// TesseractConfig configures the local Tesseract provider. No Go
// Tesseract binding exists in the reference corpus (see DESIGN.md);
// the provider shells out to the CLI the same way Camera Capture
// shells out to the capture utility.
type TesseractConfig struct {
	Binary          string
	Language        string
	EngineMode      int // 0-3
	PageSegMode     int // 6,7,8,13
	CharWhitelist   string
}

type tesseractProvider struct {
	cfg TesseractConfig
}

func NewTesseract(cfg TesseractConfig) Provider {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &tesseractProvider{cfg: cfg}
}

func (p *tesseractProvider) Name() string { return "tesseract" }

// Extract writes image to a temp file, invokes tesseract with
// `-c tessedit_create_tsv=1` and parses the TSV report for mean word
// confidence, scaled to [0,1] (spec.md §4.F).
func (p *tesseractProvider) Extract(ctx context.Context, image []byte) (Result, error) {
	start := timeNow()

	tmpIn, err := os.CreateTemp("", "wellmonitor-ocr-*.jpg")
	if err != nil {
		return Result{}, wellerr.New("ocr", "extract", wellerr.KindOcr, err)
	}
	defer os.Remove(tmpIn.Name())
	if _, err := tmpIn.Write(image); err != nil {
		tmpIn.Close()
		return Result{}, wellerr.New("ocr", "extract", wellerr.KindOcr, err)
	}
	tmpIn.Close()

	outBase, err := os.CreateTemp("", "wellmonitor-ocr-out-*")
	if err != nil {
		return Result{}, wellerr.New("ocr", "extract", wellerr.KindOcr, err)
	}
	outPath := outBase.Name()
	outBase.Close()
	os.Remove(outPath)
	defer os.Remove(outPath + ".tsv")

	args := []string{
		tmpIn.Name(), outPath,
		"-l", p.cfg.Language,
		"--oem", strconv.Itoa(p.cfg.EngineMode),
		"--psm", strconv.Itoa(p.cfg.PageSegMode),
		"-c", "tessedit_create_tsv=1",
	}
	if p.cfg.CharWhitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+p.cfg.CharWhitelist)
	}

	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, wellerr.New("ocr", "extract", wellerr.KindTimeout, ctx.Err())
		}
		return Result{}, wellerr.New("ocr", "extract", wellerr.KindOcr, err)
	}

	text, confidence, err := parseTSV(outPath + ".tsv")
	if err != nil {
		return Result{}, wellerr.New("ocr", "extract", wellerr.KindOcr, err)
	}

	return Result{
		Text:       text,
		Confidence: confidence,
		Ms:         timeNow().Sub(start).Milliseconds(),
		Provider:   p.Name(),
	}, nil
}

// parseTSV reads tesseract's TSV output (one row per recognized token,
// final column is text, 11th is confidence 0-100) and returns the joined
// text plus mean word confidence scaled to [0,1].
func parseTSV(path string) (string, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	var words []string
	var confidences []float64
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header row
		}
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		words = append(words, text)
		confidences = append(confidences, conf)
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	if len(confidences) == 0 {
		return strings.Join(words, " "), 0, nil
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return strings.Join(words, " "), (sum / float64(len(confidences))) / 100.0, nil
}
