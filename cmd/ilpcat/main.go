// ilpcat resolves an SPSP payment pointer and pushes value to it over
// STREAM through a connector's ILP-over-HTTP endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/interledger/connector-go/internal/links"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/spsp"
	"github.com/interledger/connector-go/pkg/stream"
)

func main() {
	pointer := flag.String("pointer", "", "payment pointer or SPSP URL of the receiver")
	connector := flag.String("connector", "http://localhost:7770/ilp", "ILP-over-HTTP endpoint to send through")
	token := flag.String("token", "", "bearer token for the connector account")
	amount := flag.Uint64("amount", 0, "source amount to deliver")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *pointer == "" || *amount == 0 {
		fmt.Fprintln(os.Stderr, "usage: ilpcat --pointer $wallet.example/alice --amount 1000 [--connector URL --token TOKEN]")
		os.Exit(2)
	}

	log := zap.NewNop()
	if *debug {
		log, _ = zap.NewDevelopment()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := (&spsp.Client{}).Query(ctx, *pointer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spsp query failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("receiver: %s\n", resp.DestinationAccount)

	link := links.NewHTTPLink(*connector, *token)
	defer link.Close()

	sender := &stream.Sender{
		Destination: resp.DestinationAccount,
		Secret:      resp.SharedSecret,
		Send: func(ctx context.Context, prepare *ilp.Prepare) (ilp.Reply, error) {
			return link.SendPrepare(ctx, prepare)
		},
		Log: log,
	}

	start := time.Now()
	result, err := sender.SendMoney(ctx, *amount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send failed after %d/%d units: %v\n", result.Sent, *amount, err)
		os.Exit(1)
	}
	fmt.Printf("sent %d, delivered %d in %v (%d sizing probes)\n",
		result.Sent, result.Delivered, time.Since(start).Round(time.Millisecond), result.Probes)
}
