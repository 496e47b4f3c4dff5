package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrProcessingFailed means the AI service could not process the upload.
	ErrProcessingFailed = errors.New("error processing document with AI server")

	// ErrNoExtractableText means the AI service found no text in the upload.
	ErrNoExtractableText = errors.New("no text could be extracted from this document")
)

const (
	defaultProcessTimeout = 5 * time.Minute
	maxProcessResponse    = 64 << 20
)

// Classification is the AI service's document class. The service answers
// either with a plain label or with a zero-shot result carrying ranked
// labels and scores.
type Classification struct {
	Label  string
	Labels []string
	Scores []float64
}

// UnmarshalJSON accepts a string, a {labels, scores} object or null.
func (c *Classification) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Classification{}
		return nil
	case data[0] == '"':
		var label string
		if err := json.Unmarshal(data, &label); err != nil {
			return err
		}
		*c = Classification{Label: label}
		return nil
	case data[0] == '{':
		var zs struct {
			Labels []string  `json:"labels"`
			Scores []float64 `json:"scores"`
		}
		if err := json.Unmarshal(data, &zs); err != nil {
			return err
		}
		*c = Classification{Labels: zs.Labels, Scores: zs.Scores}
		if len(zs.Labels) > 0 {
			c.Label = zs.Labels[0]
		}
		return nil
	default:
		return fmt.Errorf("classification must be a string or an object, got %s", truncate(data, 32))
	}
}

// MarshalJSON writes the zero-shot object when scores are known, else the label.
func (c Classification) MarshalJSON() ([]byte, error) {
	if len(c.Labels) == 0 {
		if c.Label == "" {
			return []byte("null"), nil
		}
		return json.Marshal(c.Label)
	}
	return json.Marshal(struct {
		Labels []string  `json:"labels"`
		Scores []float64 `json:"scores"`
	}{c.Labels, c.Scores})
}

// AIData is what the AI service derived from an upload.
type AIData struct {
	FileName         string         `json:"file_name,omitempty"`
	DetectedLanguage string         `json:"detected_language,omitempty"`
	TranslatedText   string         `json:"translated_text,omitempty"`
	Classification   Classification `json:"classification"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	SummaryML        string         `json:"summary_ml,omitempty"`

	// EmbeddingVector is the document vector. It is not echoed to clients.
	EmbeddingVector []float32 `json:"-"`
}

type processResponse struct {
	FileName         string         `json:"file_name"`
	Error            string         `json:"error"`
	DetectedLanguage string         `json:"detected_language"`
	TranslatedText   string         `json:"translated_text"`
	Classification   Classification `json:"classification"`
	Metadata         map[string]any `json:"metadata"`
	EmbeddingVector  []float32      `json:"embedding_vector"`
	SummaryEN        *string        `json:"summary_en"`
	Summary          *string        `json:"summary"`
	SummaryML        *string        `json:"summary_ml"`
}

func (r processResponse) toAIData() *AIData {
	d := &AIData{
		FileName:         r.FileName,
		DetectedLanguage: r.DetectedLanguage,
		TranslatedText:   r.TranslatedText,
		Classification:   r.Classification,
		Metadata:         r.Metadata,
		EmbeddingVector:  r.EmbeddingVector,
	}
	switch {
	case r.SummaryEN != nil && *r.SummaryEN != "":
		d.Summary = *r.SummaryEN
	case r.Summary != nil:
		d.Summary = *r.Summary
	}
	if r.SummaryML != nil {
		d.SummaryML = *r.SummaryML
	}
	return d
}

// ProcessorClient posts uploads to the AI service's /process endpoint.
type ProcessorClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewProcessorClient creates a client for baseURL. A zero timeout means 5m.
func NewProcessorClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*ProcessorClient, error) {
	if baseURL == "" {
		return nil, errors.New("AI server URL is required")
	}
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Process uploads content as multipart field "file" and decodes the result.
// The body is streamed through a pipe so large uploads are not buffered.
func (p *ProcessorClient) Process(ctx context.Context, fileName string, content io.Reader) (*AIData, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", fileName)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/process", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("%w: creating request: %w", ErrProcessingFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProcessResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrProcessingFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProcessingFailed, resp.StatusCode, truncate(body, 256))
	}

	var pres processResponse
	if err := json.Unmarshal(body, &pres); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrProcessingFailed, err)
	}
	if pres.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoExtractableText, pres.Error)
	}

	p.logger.Debug("document processed",
		zap.String("file_name", fileName),
		zap.Int("vector_dimension", len(pres.EmbeddingVector)),
		zap.Duration("took", time.Since(start)))
	return pres.toAIData(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
