package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
)

// scheduledSource is the EventBridge source of scheduled rule invocations.
const scheduledSource = "aws.events"

// HandleLambda is the Lambda handler. Scheduled EventBridge events run a
// dispatcher tick; everything else is treated as an API Gateway proxy
// request and served by the router. Spans are flushed before returning.
func (a *App) HandleLambda(ctx context.Context, raw json.RawMessage) (any, error) {
	defer func() {
		if err := a.Telemetry.Flush(context.WithoutCancel(ctx)); err != nil {
			a.Log.Warn().Err(err).Msg("flush telemetry")
		}
	}()

	var sched events.CloudWatchEvent
	if err := json.Unmarshal(raw, &sched); err == nil && sched.Source == scheduledSource {
		sum, err := a.Tick(ctx)
		if err != nil {
			a.Log.Error().Err(err).Interface("summary", sum).Msg("scheduled tick failed")
			return nil, err
		}
		a.Log.Info().Interface("summary", sum).Msg("scheduled tick done")
		return sum, nil
	}

	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode proxy request: %w", err)
	}
	return a.ServeProxy(ctx, req)
}

// ServeProxy runs req through the router with the gin Lambda adapter.
func (a *App) ServeProxy(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return a.proxy.ProxyWithContext(ctx, req)
}
