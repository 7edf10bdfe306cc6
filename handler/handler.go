package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chatbot-backend/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// authorizerIdentityKeys are checked in order for the caller's user ID.
var authorizerIdentityKeys = []string{"userId", "principalId"}

type TurnUseCase interface {
	Handle(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type Handler struct {
	turns TurnUseCase
	log   *slog.Logger
}

type turnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionID"`
}

type turnResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(uc TurnUseCase, log *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: turn use case must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{turns: uc, log: log}, nil
}

// Handle serves one API Gateway proxy event. Upstream NLU failures still
// produce 200 with the apology text in the body.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With("correlation_id", correlationID)

	var req turnRequest
	if err := decodeBody(event, &req); err != nil {
		log.Info("rejecting malformed turn request", "err", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Message: "request body must be a JSON object with message and sessionID",
		}), nil
	}

	userID, authenticated := identity(event.RequestContext)
	out, err := h.turns.Handle(ctx, usecase.TurnInput{
		Message:       req.Message,
		SessionID:     req.SessionID,
		UserID:        userID,
		Authenticated: authenticated,
	})
	if err != nil {
		status, body := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Error("turn failed", "err", err)
		} else {
			log.Info("turn rejected", "err", err)
		}
		return respond(status, correlationID, body), nil
	}

	log.Info("turn handled", "authenticated", authenticated, "fallback", out.Fallback)
	return respond(http.StatusOK, correlationID, turnResponse{Message: out.Message}), nil
}

func decodeBody(event events.APIGatewayProxyRequest, v any) error {
	body := event.Body
	if event.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return err
		}
		body = string(raw)
	}
	return json.Unmarshal([]byte(body), v)
}

func identity(rc events.APIGatewayProxyRequestContext) (string, bool) {
	for _, key := range authorizerIdentityKeys {
		if v, ok := rc.Authorizer[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorInvalidInput {
		return http.StatusBadRequest, errorResponse{Error: string(ucErr.Code), Message: ucErr.Reason}
	}
	return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
