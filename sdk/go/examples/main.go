package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"Chorus-Network/sdk/go/chorus"
)

// Hires a calculator through a running node and prints the balances.
func main() {
	addr := flag.String("node", "http://localhost:8080", "chorus node url")
	owner := flag.String("owner", "demo-user", "requester identity")
	flag.Parse()

	client, err := chorus.NewClient(*addr, nil)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	client.SetOwner(*owner)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := client.OpenAccount(ctx, *owner, nil); err != nil {
		log.Fatalf("open account: %v", err)
	}
	agents, err := client.Discover(ctx, chorus.DiscoverQuery{Skill: "calculate"})
	if err != nil {
		log.Fatalf("discover: %v", err)
	}
	fmt.Printf("found %d calculator agents\n", len(agents))

	receipt, err := client.Hire(ctx, chorus.HireRequest{
		Skill:     "calculate",
		InputData: map[string]any{"number": 21, "operation": "double"},
		Budget:    5,
	})
	if err != nil {
		log.Fatalf("hire: %v", err)
	}
	if !receipt.Result.Succeeded() {
		log.Fatalf("job failed: %s %s", receipt.Result.ErrorCode, receipt.Result.ErrorMessage)
	}
	fmt.Printf("%s answered %v for %.2f credits\n", receipt.AgentName, receipt.Result.OutputData["result"], receipt.Result.ExecutionCost)

	balance, err := client.Balance(ctx, *owner)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	fmt.Printf("balance left: %.2f\n", balance)
}
