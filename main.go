package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "test":
			if err := RunTestCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "analyze":
			if err := RunAnalyzeCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  local-image-model [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train     Train a domain-generalizing classifier on the source domains")
	fmt.Println("  test      Score a run's best checkpoint on the target domains")
	fmt.Println("  analyze   Confusion matrix, feature-space plots and history for a run")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # PACS, leave out art_painting, mixing in the first two stages")
	fmt.Println("  local-image-model train -root data -d PACS \\")
	fmt.Println("      -s cartoon,photo,sketch -t art_painting \\")
	fmt.Println("      -a resnet18 -mix-layers layer1,layer2 -log runs/pacs_art")
	fmt.Println()
	fmt.Println("  # Score the best checkpoint of that run")
	fmt.Println("  local-image-model test -root data -d PACS \\")
	fmt.Println("      -s cartoon,photo,sketch -t art_painting -log runs/pacs_art")
	fmt.Println()
	fmt.Println("  # Feature-space projection and per-class breakdown")
	fmt.Println("  local-image-model analyze -root data -d PACS \\")
	fmt.Println("      -s cartoon,photo,sketch -t art_painting -log runs/pacs_art \\")
	fmt.Println("      -reduce-method tsne")
	fmt.Println()
	fmt.Println("Run 'local-image-model [command] -h' for command options.")
}
