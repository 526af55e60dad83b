package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"stateful-mcp/internal/usecase"
)

// Handle serves an API Gateway proxy event. Failures are reported in the
// response; the returned error is always nil so Lambda never retries a call.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	ctx = withCorrelationID(ctx, corrID)

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			slog.WarnContext(ctx, "invalid base64 body", "correlationId", corrID, "err", err)
			return response(http.StatusBadRequest, errorResponse{Error: "Invalid JSON", Code: string(usecase.ErrorInvalidInput)}, corrID), nil
		}
		body = decoded
	}

	status, payload := h.dispatch(ctx, req.HTTPMethod, req.Path, body)
	return response(status, payload, corrID), nil
}

func response(status int, payload any, corrID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: marshalBody(payload),
	}
}
