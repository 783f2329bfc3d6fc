package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"supportrag/internal/domain"
	"supportrag/internal/service"
)

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	red       = color.New(color.FgRed, color.Bold).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(results []domain.RankedResult) {
	for i, r := range results {
		fmt.Printf("%d. %s %s  score=%.3f\n", i+1, boldCyan(r.Title), faint("("+r.ArticleID+")"), r.Score)
		fmt.Printf("   [%s] %s\n", yellow(r.BestChunkID), r.BestChunkSnippet)
	}
}

func printRecommendation(rec *service.Recommendation) {
	if len(rec.Results) == 0 {
		fmt.Println(faint("No recommendations."))
	}
	printResults(rec.Results)
	if rec.Note != "" {
		fmt.Println(faint("note: " + rec.Note))
	}
}

func printAnswer(res *service.AnswerResult) {
	switch o := res.Outcome.(type) {
	case *domain.Answer:
		fmt.Println(boldGreen("Answer: ") + o.Text)
		for i, s := range o.Steps {
			fmt.Printf("  %d) %s\n", i+1, s)
		}
		fmt.Printf("confidence %.2f", o.Confidence)
		if o.Degraded {
			fmt.Print(yellow("  (unstructured model output)"))
		}
		fmt.Println()
		for _, ev := range o.Evidence {
			if ev.Missing {
				fmt.Printf("  [%s] %s\n", yellow(ev.ChunkID), faint("not in store"))
				continue
			}
			fmt.Printf("  [%s] %s %s\n", yellow(ev.ChunkID), ev.Title, faint(ev.FileURL))
		}
	case *domain.Refusal:
		fmt.Println(yellow("Refused: ") + o.Reason)
		if o.Note != "" {
			fmt.Println(faint("note: " + o.Note))
		}
	case *domain.Failure:
		fmt.Println(red("Error: ") + o.Message)
		fmt.Println(faint(o.Detail))
	}
	if len(res.Results) > 0 {
		fmt.Println()
		fmt.Println(boldCyan("Ranked evidence"))
		printResults(res.Results)
	}
}

func printChunks(chunks []domain.Chunk) {
	for _, c := range chunks {
		text := strings.ReplaceAll(c.Text, "\n", " ")
		if len(text) > 80 {
			text = text[:77] + "..."
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", yellow(c.ChunkID), c.ArticleID, c.Title, text)
	}
	fmt.Println(faint(fmt.Sprintf("%d chunks", len(chunks))))
}
