package types

import "strings"

// HAR is the on-disk network archive document: an ordered list of recorded
// request/response exchanges wrapped in the standard log envelope.
type HAR struct {
	Log HARLog `json:"log"`
}

// HARLog holds the archive metadata and entry list.
type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

// HARCreator identifies the producing tool.
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HAREntry is one recorded exchange.
type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime,omitempty"`
	ResourceType    string      `json:"_resourceType,omitempty"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
}

// HARKeyValue is a single header or cookie pair.
type HARKeyValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HARPostData is the optional request body. Encoding is "base64" when the
// recorded payload was not valid UTF-8, mirroring HARContent.
type HARPostData struct {
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// HARRequest is the request half of an entry.
type HARRequest struct {
	Method   string        `json:"method"`
	URL      string        `json:"url"`
	Headers  []HARKeyValue `json:"headers,omitempty"`
	Cookies  []HARKeyValue `json:"cookies,omitempty"`
	PostData *HARPostData  `json:"postData,omitempty"`
}

// HARContent is the response body. Encoding is "base64" when the recorded
// payload was not valid UTF-8.
type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// HARResponse is the response half of an entry.
type HARResponse struct {
	Status     int           `json:"status"`
	StatusText string        `json:"statusText,omitempty"`
	Headers    []HARKeyValue `json:"headers,omitempty"`
	Content    HARContent    `json:"content"`
}

// HeaderValue returns the first header with the given name, case-insensitively.
func (r HARResponse) HeaderValue(name string) (string, bool) {
	return headerValue(r.Headers, name)
}

// HeaderValue returns the first header with the given name, case-insensitively.
func (r HARRequest) HeaderValue(name string) (string, bool) {
	return headerValue(r.Headers, name)
}

func headerValue(headers []HARKeyValue, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}
