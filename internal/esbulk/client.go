package esbulk

import (
	"bytes"
	"context"
	"io"

	"github.com/elastic/go-elasticsearch/v7/esapi"
)

// BulkTransport is the minimal surface the submitter needs from an
// Elasticsearch client. It is satisfied by *elasticsearch.Client from
// go-elasticsearch/v7, and is narrowed to an interface so tests can supply a
// fake transport without standing up a real cluster.
type BulkTransport interface {
	Bulk(body io.Reader, o ...func(*esapi.BulkRequest)) (*esapi.Response, error)
}

// ItemError is one item's error envelope from a 2xx bulk response with
// per-item errors.
type ItemError struct {
	DocID  string
	Status int
	Type   string
	Reason string
}

// ResponseKind discriminates the three submit() outcomes.
type ResponseKind int

const (
	TransportFailed ResponseKind = iota
	ServerSuccess
	ServerErrorStructured
)

// Response is the classified result of one submit() call.
type Response struct {
	Kind         ResponseKind
	StatusCode   int
	HasErrors    bool
	FailedItems  []ItemError
	ErrorMessage string
}

type bulkEnvelope struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string    `json:"_id"`
	Status int       `json:"status"`
	Error  *itemErrs `json:"error"`
}

type itemErrs struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type structuredErrorEnvelope struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// submit posts body to ES and classifies the outcome. It never returns a Go
// error for an HTTP-level failure: that is represented as TransportFailed so
// the shared retry.SendWithRetries primitive can drive it through the
// uniform Action[Response] shape.
func submit(ctx context.Context, client BulkTransport, body []byte) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	res, err := client.Bulk(bytes.NewReader(body), func(r *esapi.BulkRequest) { r.Context = ctx })
	if err != nil {
		return Response{Kind: TransportFailed, ErrorMessage: err.Error()}, nil
	}
	defer res.Body.Close()
	raw, readErr := io.ReadAll(res.Body)
	if readErr != nil {
		return Response{Kind: TransportFailed, ErrorMessage: readErr.Error()}, nil
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		var env bulkEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Response{Kind: TransportFailed, ErrorMessage: err.Error()}, nil
		}
		resp := Response{Kind: ServerSuccess, StatusCode: res.StatusCode, HasErrors: env.Errors}
		for _, wrapper := range env.Items {
			for _, item := range wrapper {
				if item.Error != nil || item.Status > 201 {
					ie := ItemError{DocID: item.ID, Status: item.Status}
					if item.Error != nil {
						ie.Type, ie.Reason = item.Error.Type, item.Error.Reason
					}
					resp.FailedItems = append(resp.FailedItems, ie)
				}
			}
		}
		return resp, nil
	}

	var structured structuredErrorEnvelope
	msg := string(raw)
	if err := json.Unmarshal(raw, &structured); err == nil && structured.Error.Reason != "" {
		msg = structured.Error.Reason
	}
	return Response{Kind: ServerErrorStructured, StatusCode: res.StatusCode, ErrorMessage: msg}, nil
}
