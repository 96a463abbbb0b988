package extract_test

import (
	"fmt"

	"github.com/JakeFAU/crawl-digest/internal/extract"
)

// ExampleParse shows a chatty model reply being reduced to its JSON payload.
func ExampleParse() {
	reply := "Here is the summary:\n```json\n" +
		`{"title": "Quickstart", "summary": "Install and run.", "topics": ["Go", "CLI"]}` +
		"\n```"
	page, strategy, err := extract.Parse(reply)
	if err != nil {
		panic(err)
	}
	fmt.Println(strategy)
	fmt.Println(page.Title)
	fmt.Println(page.Topics)
	fmt.Println(len(page.KeyPoints))
	// Output:
	// fenced
	// Quickstart
	// [Go CLI]
	// 0
}
