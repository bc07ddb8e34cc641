package services

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ollama/ollama/api"
	goopenai "github.com/sashabaranov/go-openai"
)

// HTTPError is a non-2xx response of a completion provider. The conversation classifier reads the
// status through HTTPStatus.
type HTTPError struct {
	StatusCode int
	Body       string
}

// maxErrorBody limits how much of an error response is kept.
const maxErrorBody = 4 << 10

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the status code of the response.
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

func responseError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
}

func openAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := string(reqErr.Body)
		if body == "" && reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &HTTPError{StatusCode: reqErr.HTTPStatusCode, Body: body}
	}

	return err
}

func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		body := se.ErrorMessage
		if body == "" {
			body = se.Status
		}
		return &HTTPError{StatusCode: se.StatusCode, Body: body}
	}
	return err
}
