package logging

import (
	"context"
)

const (
	MessageIDKey   = "message_id"
	HandlerKey     = "handler"
	BreakerNameKey = "breaker"
	ServiceNameKey = "service_name"
)

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithHandler(ctx context.Context, handler string) context.Context {
	return context.WithValue(ctx, HandlerKey, handler)
}

func WithBreakerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, BreakerNameKey, name)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetMessageID(ctx context.Context) string {
	if messageID, ok := ctx.Value(MessageIDKey).(string); ok {
		return messageID
	}
	return ""
}

func GetHandler(ctx context.Context) string {
	if handler, ok := ctx.Value(HandlerKey).(string); ok {
		return handler
	}
	return ""
}

func GetBreakerName(ctx context.Context) string {
	if name, ok := ctx.Value(BreakerNameKey).(string); ok {
		return name
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	if messageID := GetMessageID(ctx); messageID != "" {
		fields = append(fields, "message_id", messageID)
	}

	if handler := GetHandler(ctx); handler != "" {
		fields = append(fields, "handler", handler)
	}

	if name := GetBreakerName(ctx); name != "" {
		fields = append(fields, "breaker", name)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	return fields
}
