// Package vision is a minimal Google Cloud Vision REST client for document
// text detection. It implements the worker's Extractor capability.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/leonclem/one-minute-menu/internal/worker"
)

const defaultEndpoint = "https://vision.googleapis.com/v1/images:annotate"

// Client calls the images:annotate endpoint with an API key.
type Client struct {
	http     *http.Client
	apiKey   string
	endpoint string
}

// New creates a Client. A nil httpClient gets a plain one (deadlines come
// from the caller's ctx); an empty endpoint uses the public Vision API.
func New(httpClient *http.Client, apiKey, endpoint string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{http: httpClient, apiKey: apiKey, endpoint: endpoint}
}

// Request/response shapes for the slice of the annotate API we use.
// encoding/json base64-encodes []byte, which is exactly the wire format
// Vision expects for image content.

type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image    imageContent `json:"image"`
	Features []feature    `json:"features"`
}

type imageContent struct {
	Content []byte `json:"content"`
}

type feature struct {
	Type string `json:"type"`
}

type annotateResponse struct {
	Responses []annotateResult `json:"responses"`
}

type annotateResult struct {
	Error              *apiError           `json:"error"`
	FullTextAnnotation *fullTextAnnotation `json:"fullTextAnnotation"`
	TextAnnotations    []textAnnotation    `json:"textAnnotations"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fullTextAnnotation struct {
	Text  string `json:"text"`
	Pages []page `json:"pages"`
}

type page struct {
	Blocks []block `json:"blocks"`
}

type block struct {
	Confidence float64 `json:"confidence"`
}

type textAnnotation struct {
	Description string `json:"description"`
}

// Extract runs DOCUMENT_TEXT_DETECTION over image and returns the detected
// text with a confidence score. Text comes from the full-text annotation,
// falling back to the first plain text annotation; confidence is the mean
// block confidence, or 0 when the response carries none.
func (c *Client) Extract(ctx context.Context, image []byte) (worker.Extraction, error) {
	body, err := json.Marshal(annotateRequest{
		Requests: []imageRequest{{
			Image:    imageContent{Content: image},
			Features: []feature{{Type: "DOCUMENT_TEXT_DETECTION"}},
		}},
	})
	if err != nil {
		return worker.Extraction{}, fmt.Errorf("marshal annotate request: %w", err)
	}

	url := c.endpoint
	if c.apiKey != "" {
		url += "?key=" + c.apiKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return worker.Extraction{}, fmt.Errorf("build annotate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return worker.Extraction{}, fmt.Errorf("annotate: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		// Surface a short slice of the body; Vision errors are small JSON blobs.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return worker.Extraction{}, fmt.Errorf("annotate: status %d: %s", resp.StatusCode, snippet)
	}

	var parsed annotateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return worker.Extraction{}, fmt.Errorf("decode annotate response: %w", err)
	}
	if len(parsed.Responses) == 0 {
		return worker.Extraction{}, fmt.Errorf("annotate: empty response")
	}

	res := parsed.Responses[0]
	if res.Error != nil && res.Error.Message != "" {
		return worker.Extraction{}, fmt.Errorf("annotate: %s", res.Error.Message)
	}

	var text string
	if res.FullTextAnnotation != nil {
		text = strings.TrimSpace(res.FullTextAnnotation.Text)
	}
	if text == "" && len(res.TextAnnotations) > 0 {
		text = strings.TrimSpace(res.TextAnnotations[0].Description)
	}

	return worker.Extraction{
		Text:       text,
		Confidence: meanBlockConfidence(res.FullTextAnnotation),
	}, nil
}

func meanBlockConfidence(fta *fullTextAnnotation) float64 {
	if fta == nil {
		return 0
	}
	var sum float64
	var n int
	for _, p := range fta.Pages {
		for _, b := range p.Blocks {
			sum += b.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
