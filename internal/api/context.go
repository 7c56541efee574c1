package api

import (
	"context"

	"github.com/org/accessgate/pkg/models"
)

type contextKey string

const ctxKeyAPIKey contextKey = "api_key"

func withAPIKey(ctx context.Context, k *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxKeyAPIKey, k)
}

func apiKeyFromCtx(ctx context.Context) *models.APIKey {
	k, _ := ctx.Value(ctxKeyAPIKey).(*models.APIKey)
	return k
}

const ctxKeyActorHolder contextKey = "actor_holder"

// actorHolder carries the authenticated actor back up to the audit
// middleware, which runs before authentication.
type actorHolder struct {
	actor string
}

func withActorHolder(ctx context.Context, h *actorHolder) context.Context {
	return context.WithValue(ctx, ctxKeyActorHolder, h)
}

func actorHolderFromCtx(ctx context.Context) *actorHolder {
	h, _ := ctx.Value(ctxKeyActorHolder).(*actorHolder)
	return h
}
