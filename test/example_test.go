package test

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/channels/console"
	"github.com/MrEthical07/goVerify/identity/memidentity"
)

// ExampleNew demonstrates engine construction with production-style dependencies.
func ExampleNew() {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	identity := memidentity.New(5)

	engine, _ := goVerify.New().
		WithRedis(rdb).
		WithIdentityProvider(identity).
		WithChannel(goVerify.ChannelEmail, console.New(goVerify.ChannelEmail, nil)).
		Build()
	_ = engine
}

// ExampleEngine_SubmitCode shows how protocol outcomes map to user messages.
func ExampleEngine_SubmitCode() {
	var engine *goVerify.Engine
	res, err := engine.SubmitCode(context.Background(), "session-id", "123456")
	if err != nil {
		fmt.Println(goVerify.PublicMessage(err))
		return
	}
	if outcome := res.Err(); outcome != nil {
		fmt.Println(goVerify.PublicMessage(outcome), res.AttemptsRemaining)
	}
}

// ExampleEngine_MetricsSnapshot shows how to read in-process metrics counters.
func ExampleEngine_MetricsSnapshot() {
	var engine *goVerify.Engine
	snapshot := engine.MetricsSnapshot()
	_ = snapshot.Counters[goVerify.MetricCodeVerified]
}
