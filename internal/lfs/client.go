// Package lfs uploads files to a Git LFS compatible blob store using the
// batch API and the basic transfer adapter.
package lfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

const mediaType = "application/vnd.git-lfs+json"

// Client talks to one blob store server.
type Client struct {
	server string
	http   *http.Client
	quiet  bool
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client, quiet bool) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{server: strings.TrimSuffix(baseURL, "/"), http: httpClient, quiet: quiet}
}

// Object identifies content by hash and size.
type Object struct {
	OID      string `json:"oid"`
	Size     int64  `json:"size"`
	Filename string `json:"x-filename,omitempty"`
}

// Action is a transfer step the server asks the client to perform.
type Action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

// ObjectError is a per-object failure reported by the batch API.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("blob store rejected object: %d %s", e.Code, e.Message)
}

type batchObject struct {
	Object
	Actions map[string]Action `json:"actions,omitempty"`
	Error   *ObjectError      `json:"error,omitempty"`
}

type batchRequest struct {
	Operation string   `json:"operation"`
	Transfers []string `json:"transfers"`
	Objects   []Object `json:"objects"`
}

type batchResponse struct {
	Transfer string        `json:"transfer"`
	Objects  []batchObject `json:"objects"`
}

// Upload stores file under {namespace}/{collection} and returns the
// properties of the stored object. Keys prefixed with "x-" are transfer
// details, not object properties.
func (c *Client) Upload(ctx context.Context, token, namespace, collection string, file *os.File, filename string) (map[string]any, error) {
	obj, err := describe(file)
	if err != nil {
		return nil, err
	}
	obj.Filename = filename

	batch, err := c.batch(ctx, token, namespace, collection, obj)
	if err != nil {
		return nil, err
	}

	var result *batchObject
	for i := range batch.Objects {
		if batch.Objects[i].OID == obj.OID {
			result = &batch.Objects[i]
			break
		}
	}
	if result == nil {
		return nil, fmt.Errorf("blob store response does not include object %s", obj.OID)
	}
	if result.Error != nil {
		return nil, result.Error
	}

	if upload, ok := result.Actions["upload"]; ok {
		if err := c.put(ctx, upload, file, obj.Size); err != nil {
			return nil, err
		}
		if verify, ok := result.Actions["verify"]; ok {
			if err := c.verify(ctx, verify, obj); err != nil {
				return nil, err
			}
		}
	} else {
		log.Debugf("Object %s already stored under %s/%s", obj.OID, namespace, collection)
	}

	return map[string]any{
		"oid":        obj.OID,
		"size":       obj.Size,
		"x-filename": filename,
		"x-transfer": batch.Transfer,
	}, nil
}

// describe hashes file from the start.
func describe(file *os.File) (Object, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Object{}, err
	}
	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return Object{}, fmt.Errorf("failed to hash %s: %w", file.Name(), err)
	}
	return Object{OID: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func (c *Client) batch(ctx context.Context, token, namespace, collection string, obj Object) (*batchResponse, error) {
	payload, err := json.Marshal(batchRequest{
		Operation: "upload",
		Transfers: []string{"basic"},
		Objects:   []Object{obj},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%s/objects/batch", c.server, namespace, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid batch response: %w", err)
	}
	return &out, nil
}

func (c *Client) put(ctx context.Context, action Action, file *os.File, size int64) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var body io.Reader = file
	if !c.quiet {
		bar := progressbar.DefaultBytes(size, "uploading")
		defer bar.Finish()
		body = io.TeeReader(file, bar)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

func (c *Client) verify(ctx context.Context, action Action, obj Object) error {
	payload, err := json.Marshal(Object{OID: obj.OID, Size: obj.Size})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.Href, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("Content-Type", mediaType)
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	return nil
}

// StatusError is a non-2xx answer from the blob store.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Message == "" {
		body.Message = string(bytes.TrimSpace(raw))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Message}
}
