// Command lambda runs PillSync on AWS Lambda behind API Gateway, with an
// EventBridge schedule for reminder ticks.
package main

import (
	"context"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/tbourn/pillsync/internal/app"
	"github.com/tbourn/pillsync/internal/config"
	"github.com/tbourn/pillsync/internal/observability"
)

var version = "dev"

func main() {
	// Local files do not survive between invocations.
	if _, ok := os.LookupEnv("STORE"); !ok {
		_ = os.Setenv("STORE", config.StoreDynamoDB)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(context.Background(), cfg, observability.RuntimeLambda, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	lambda.Start(a.HandleLambda)
}
