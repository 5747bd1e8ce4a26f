package consult

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to the REST side of the consultation backend: media uploads,
// consultation listing and resolution.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient creates a REST client authenticating with a bearer token.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Logger:     zerolog.Nop(),
	}
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("consult API error %d: %s", e.Status, e.Message)
}

// doRequest performs an authenticated request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	c.Logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("api request")

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// progressReader reports the running byte count of everything read through it.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// Upload streams src as multipart form data to /chat/upload/, reporting
// progress as the file body is consumed.
func (c *Client) Upload(ctx context.Context, src Source, kind MediaKind, progress func(sent, total int64)) (*UploadResult, error) {
	f, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		part, err := mw.CreateFormFile("file", src.Name())
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, &progressReader{r: f, total: src.Size(), fn: progress}); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("media_kind", string(kind)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	body, err := c.doRequest(ctx, http.MethodPost, "/chat/upload/", pr, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var res UploadResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, fmt.Errorf("upload response without url")
	}
	return &res, nil
}

// Resolve marks the consultation of a room as resolved.
func (c *Client) Resolve(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chat/resolve/"+url.PathEscape(roomID)+"/", nil, "")
	return err
}

// PatientData is the patient summary attached to a consultation.
type PatientData struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Consultation is a clinician's view of one room.
type Consultation struct {
	ConsultationID  string      `json:"ConsultationID"`
	PatientID       string      `json:"PatientID"`
	DoctorID        string      `json:"DoctorID"`
	Status          string      `json:"Status"`
	LastMessageTime string      `json:"LastMessageTime,omitempty"`
	ResolvedAt      string      `json:"ResolvedAt,omitempty"`
	PatientData     PatientData `json:"patient_data"`
}

// Consultations lists the caller's consultations with the given status
// ("active" or "resolved").
func (c *Client) Consultations(ctx context.Context, status string) ([]Consultation, error) {
	path := "/chat/doctor-consultations/"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var out []Consultation
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
