package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	httpapi "github.com/fyrsmithlabs/docsearch/internal/http"
)

// apiError is a non-2xx response from the server.
type apiError struct {
	Status int
	Body   httpapi.ErrorResponse
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Body.Error)
	if e.Body.Stage != "" {
		msg += fmt.Sprintf(" (stage %s, code %s)", e.Body.Stage, e.Body.Code)
	}
	return msg
}

type client struct {
	base string
	http *http.Client
}

func newClient(server string) (*client, error) {
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}
	return &client{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// do sends a request and returns the raw response body. Non-2xx responses
// become *apiError.
func (c *client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *client) getJSON(ctx context.Context, path string, out any) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return data, nil
}

// upload streams file as multipart form data.
func (c *client) upload(ctx context.Context, userID, filePath, title, department string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if title != "" {
				if err := mw.WriteField("title", title); err != nil {
					return err
				}
			}
			if department != "" {
				if err := mw.WriteField("department", department); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filepath.Base(filePath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	path := "/api/documents/upload?userId=" + url.QueryEscape(userID)
	return c.do(ctx, http.MethodPost, path, pr, mw.FormDataContentType())
}

// printJSON pretty-prints raw response bytes.
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
