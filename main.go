// Command crawldigest runs the crawl-and-summarize service.
package main

import "github.com/JakeFAU/crawl-digest/cmd"

func main() {
	cmd.Execute()
}
