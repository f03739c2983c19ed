package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-relay/internal/domain"
	"line-relay/internal/integrations/line"
	"line-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

type Relay interface {
	HandleEvents(ctx context.Context, events []domain.Event) []usecase.Result
}

type SignatureVerifier interface {
	Verify(body []byte, signature string) bool
}

// Handler adapts webhook deliveries from API Gateway or plain HTTP to the
// relay. Only authentication and body shape decide the status code.
type Handler struct {
	relay    Relay
	verifier SignatureVerifier
	logger   *slog.Logger
}

func NewHandler(relay Relay, verifier SignatureVerifier) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: signature verifier must not be nil")
	}
	return &Handler{
		relay:    relay,
		verifier: verifier,
		logger:   slog.Default().With("component", "handler"),
	}, nil
}

type request struct {
	method        string
	body          []byte
	signature     string
	correlationID string
}

type response struct {
	status  int
	body    string
	headers map[string]string
}

// Handle serves API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req := request{
		method:        event.HTTPMethod,
		signature:     header(event.Headers, line.SignatureHeader),
		correlationID: header(event.Headers, correlationHeader),
	}
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			resp := h.respond(req, http.StatusBadRequest, "Invalid body")
			return toProxyResponse(resp), nil
		}
		req.body = decoded
	} else {
		req.body = []byte(event.Body)
	}

	return toProxyResponse(h.process(ctx, req)), nil
}

// ServeHTTP serves the webhook on a plain HTTP listener.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := request{
		method:        r.Method,
		signature:     r.Header.Get(line.SignatureHeader),
		correlationID: r.Header.Get(correlationHeader),
	}
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeResponse(w, h.respond(req, http.StatusRequestEntityTooLarge, "Request Entity Too Large"))
				return
			}
			writeResponse(w, h.respond(req, http.StatusBadRequest, "Invalid body"))
			return
		}
		req.body = body
	}
	writeResponse(w, h.process(r.Context(), req))
}

func (h *Handler) process(ctx context.Context, req request) response {
	if req.correlationID == "" {
		req.correlationID = uuid.NewString()
	}
	ctx = usecase.WithCorrelationID(ctx, req.correlationID)
	logger := h.logger.With("correlation_id", req.correlationID)

	if req.method != http.MethodPost {
		resp := h.respond(req, http.StatusMethodNotAllowed, "Method Not Allowed")
		resp.headers["Allow"] = http.MethodPost
		return resp
	}

	if len(req.body) > maxBodyBytes {
		logger.WarnContext(ctx, "webhook body too large", "code", usecase.ErrorMalformedRequest, "bytes", len(req.body))
		return h.respond(req, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
	}

	if !h.verifier.Verify(req.body, req.signature) {
		logger.WarnContext(ctx, "rejected webhook", "code", usecase.ErrorAuthentication)
		return h.respond(req, http.StatusUnauthorized, "Unauthorized")
	}

	evs, err := line.ParseEvents(req.body)
	if err != nil {
		logger.WarnContext(ctx, "malformed webhook", "code", usecase.ErrorMalformedRequest, "err", err)
		return h.respond(req, http.StatusBadRequest, "Invalid body")
	}
	for i, ev := range evs {
		if ev.Kind == domain.EventTypeMalformed {
			logger.WarnContext(ctx, "dropping undecodable event", "event_index", i)
		}
	}

	results := h.relay.HandleEvents(ctx, evs)
	sum := usecase.Summarize(results)
	logger.InfoContext(ctx, "webhook processed",
		"events", len(evs),
		"success", sum.Success,
		"degraded", sum.Degraded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"by_code", sum.ByCode,
	)
	return h.respond(req, http.StatusOK, "OK")
}

func (h *Handler) respond(req request, status int, body string) response {
	headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	if req.correlationID != "" {
		headers[correlationHeader] = req.correlationID
	}
	return response{status: status, body: body, headers: headers}
}

func toProxyResponse(resp response) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: resp.status,
		Headers:    resp.headers,
		Body:       resp.body,
	}
}

func writeResponse(w http.ResponseWriter, resp response) {
	for k, v := range resp.headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

// header looks up a header case-insensitively; API Gateway keeps client casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
