package vision_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonclem/one-minute-menu/internal/vision"
)

// annotateServer fakes the images:annotate endpoint with a fixed response body.
func annotateServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Requests []struct {
				Image struct {
					Content string `json:"content"`
				} `json:"image"`
				Features []struct {
					Type string `json:"type"`
				} `json:"features"`
			} `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 1)
		assert.Equal(t, "DOCUMENT_TEXT_DETECTION", req.Requests[0].Features[0].Type)

		// Image bytes travel as standard base64.
		_, err := base64.StdEncoding.DecodeString(req.Requests[0].Image.Content)
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
}

func TestExtract_FullTextAnnotation(t *testing.T) {
	t.Parallel()

	srv := annotateServer(t, `{
		"responses": [{
			"fullTextAnnotation": {
				"text": "GREEN CURRY 9.80\nSPRING ROLLS 5.50\n",
				"pages": [{"blocks": [{"confidence": 0.9}, {"confidence": 0.8}]}]
			}
		}]
	}`)
	defer srv.Close()

	res, err := vision.New(nil, "test-key", srv.URL).Extract(context.Background(), []byte("jpeg"))
	require.NoError(t, err)

	assert.Equal(t, "GREEN CURRY 9.80\nSPRING ROLLS 5.50", res.Text, "text is trimmed")
	assert.InDelta(t, 0.85, res.Confidence, 1e-9, "confidence is the mean block confidence")
}

func TestExtract_FallsBackToTextAnnotations(t *testing.T) {
	t.Parallel()

	srv := annotateServer(t, `{
		"responses": [{
			"textAnnotations": [{"description": " PAD SEE EW 10.20 "}]
		}]
	}`)
	defer srv.Close()

	res, err := vision.New(nil, "", srv.URL).Extract(context.Background(), []byte("jpeg"))
	require.NoError(t, err)

	assert.Equal(t, "PAD SEE EW 10.20", res.Text)
	assert.Zero(t, res.Confidence, "no blocks means zero confidence")
}

func TestExtract_APIErrorIsFailure(t *testing.T) {
	t.Parallel()

	srv := annotateServer(t, `{
		"responses": [{
			"error": {"code": 7, "message": "insufficient permissions"}
		}]
	}`)
	defer srv.Close()

	_, err := vision.New(nil, "test-key", srv.URL).Extract(context.Background(), []byte("jpeg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient permissions")
}

func TestExtract_HTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := vision.New(nil, "test-key", srv.URL).Extract(context.Background(), []byte("jpeg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestExtract_EmptyResponses(t *testing.T) {
	t.Parallel()

	srv := annotateServer(t, `{"responses": []}`)
	defer srv.Close()

	_, err := vision.New(nil, "test-key", srv.URL).Extract(context.Background(), []byte("jpeg"))
	require.Error(t, err)
}
