// Package main is the entry point for the sentimentcrawler binary.
package main

import "github.com/siftlabs/sentiment-crawler/cmd"

func main() {
	cmd.Execute()
}
