package main

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
)

func TestForwardAuthorizerClaims(t *testing.T) {
	t.Run("strips spoofed headers without authorizer", func(t *testing.T) {
		req := events.APIGatewayV2HTTPRequest{Headers: map[string]string{
			"x-api-gateway-authorized": "true",
			"X-User-ID":                "mallory",
			"accept":                   "application/json",
		}}

		forwardAuthorizerClaims(&req)

		assert.Equal(t, map[string]string{"accept": "application/json"}, req.Headers)
	})

	t.Run("forwards jwt claims", func(t *testing.T) {
		req := events.APIGatewayV2HTTPRequest{
			RequestContext: events.APIGatewayV2HTTPRequestContext{
				Authorizer: &events.APIGatewayV2HTTPRequestContextAuthorizerDescription{
					JWT: &events.APIGatewayV2HTTPRequestContextAuthorizerJWTDescription{
						Claims: map[string]string{"sub": "alice", "roles": "[admin member]"},
					},
				},
			},
		}

		forwardAuthorizerClaims(&req)

		assert.Equal(t, "true", req.Headers["X-API-Gateway-Authorized"])
		assert.Equal(t, "alice", req.Headers["X-User-ID"])
		assert.Equal(t, "admin,member", req.Headers["X-User-Roles"])
	})
}
