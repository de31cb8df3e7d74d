// Package api defines the wire types of the Gateflow HTTP API.
//
// The gateway exposes three chat-family entry points — OpenAI
// /v1/chat/completions, Anthropic /v1/messages and OpenAI-Responses
// /v1/responses — plus embeddings, image generation, audio and video
// capabilities. All of them are translated into one canonical request
// shape before entering the orchestration pipeline; this package only
// holds the envelope types the gateway itself emits (error payloads,
// model listings, token exchange), never upstream vendor schemas.
//
// # Authentication
//
// External requests carry the signature quadruple:
//
//	X-Api-Key:    the key itself
//	X-Timestamp:  unix seconds
//	X-Nonce:      single-use random string
//	X-Signature:  HMAC-SHA256(key || ts || nonce, secret)
//
// Internal endpoints use Bearer access tokens (HS256 JWT); a bumped
// token_version on the user row invalidates all previously issued
// tokens.
//
// # Response headers
//
//	X-Request-Id:          trace id of the request
//	X-RateLimit-Remaining: RPM budget left for the subject
//	Retry-After:           present on 429 responses
package api
