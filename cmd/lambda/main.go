package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/di"
	"resonance-backend/interfaces/http/rest/middleware"
)

var (
	chiLambda *chiadapter.ChiLambdaV2
	container *di.Container
	coldStart = true
)

func init() {
	start := time.Now()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.ApplyRuntime(config.DetectRuntime())

	container, err = di.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}

	handler, err := container.HTTPHandler(ctx, true)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}
	mux, ok := handler.(*chi.Mux)
	if !ok {
		log.Fatal("Failed to cast handler to chi.Mux")
	}
	chiLambda = chiadapter.NewV2(mux)

	container.Logger.Info("Lambda cold start completed", zap.Duration("duration", time.Since(start)))
}

// Handler forwards API Gateway requests to the router. When API Gateway's JWT
// authorizer has accepted the token, its claims are passed on as headers.
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if coldStart {
		coldStart = false
		container.Logger.Debug("first invocation", zap.String("request_id", req.RequestContext.RequestID))
	}
	forwardAuthorizerClaims(&req)
	return chiLambda.ProxyWithContextV2(ctx, req)
}

func forwardAuthorizerClaims(req *events.APIGatewayV2HTTPRequest) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	// Never trust identity headers supplied by the client.
	for key := range req.Headers {
		switch strings.ToLower(key) {
		case strings.ToLower(middleware.HeaderGatewayAuthorized),
			strings.ToLower(middleware.HeaderUserID),
			strings.ToLower(middleware.HeaderUserRoles):
			delete(req.Headers, key)
		}
	}

	authorizer := req.RequestContext.Authorizer
	if authorizer == nil || authorizer.JWT == nil {
		return
	}
	sub := authorizer.JWT.Claims["sub"]
	if sub == "" {
		return
	}
	req.Headers[middleware.HeaderGatewayAuthorized] = "true"
	req.Headers[middleware.HeaderUserID] = sub
	if roles := authorizer.JWT.Claims["roles"]; roles != "" {
		// API Gateway flattens arrays to "[a b]".
		req.Headers[middleware.HeaderUserRoles] = strings.Join(strings.Fields(strings.Trim(roles, "[]")), ",")
	}
}

func main() {
	lambda.Start(Handler)
}
