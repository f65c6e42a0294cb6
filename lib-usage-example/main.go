package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/stl311/stl311sync/pkg/normalize"
	"github.com/stl311/stl311sync/pkg/source"
)

func main() {
	// Usage: go run *.go -key "your_311_api_key" -days 2

	keyFlag := flag.String("key", "", "St. Louis 311 API key")
	daysFlag := flag.Int("days", 1, "Days back from today")
	statusFlag := flag.String("status", "open", "Status filter")

	// Parse the command-line flags
	flag.Parse()

	if *keyFlag == "" {
		fmt.Println("API key is required. Please provide it using the -key flag.")
		return
	}

	client, err := source.NewClient(source.Options{APIKey: *keyFlag})
	if err != nil {
		fmt.Println(err)
		return
	}

	end := time.Now()
	res, err := client.Fetch(context.Background(), source.Query{
		Start:  end.AddDate(0, 0, -*daysFlag),
		End:    end,
		Status: *statusFlag,
	})
	if err != nil && res == nil {
		fmt.Println(err)
		return
	}

	// Normalization drops records without a usable location or id
	records, stats := normalize.New(normalize.Options{}).Batch(res.Records)
	for _, r := range records {
		fmt.Println(r.ExternalID, r.Status, r.Address, r.Location.X, r.Location.Y)
	}
	fmt.Printf("%d fetched, %d kept, %d dropped\n", stats.Total, stats.Processed, stats.Dropped())
}
