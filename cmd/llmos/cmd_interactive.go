package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"llmos/internal/bus"
	"llmos/internal/dispatch"
	"llmos/internal/kernel"
)

// runInteractive keeps one kernel alive across goals so each dispatch
// benefits from what the previous ones recorded. The session has no
// overall deadline; the --timeout flag bounds each goal individually.
func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = k.Shutdown() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := k.Boot(ctx); err != nil {
		return err
	}

	// Live feed for multi-step runs.
	k.Bus.Subscribe(func(ev bus.Event) {
		switch ev.Kind {
		case bus.StepStarted:
			step, _ := ev.Payload["step"].(int)
			desc, _ := ev.Payload["description"].(string)
			fmt.Printf("  [%d] %s: %s\n", step, ev.Agent, clipText(desc, 64))
		case bus.StepDone:
			step, _ := ev.Payload["step"].(int)
			cost, _ := ev.Payload["cost"].(float64)
			if ok, _ := ev.Payload["success"].(bool); ok {
				fmt.Printf("  [%d] done ($%.4f)\n", step, cost)
			} else {
				fmt.Printf("  [%d] failed\n", step)
			}
		case bus.BudgetExceeded:
			fmt.Println("  budget cap reached, remaining steps skipped")
		}
	}, bus.StepStarted, bus.StepDone, bus.BudgetExceeded)

	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("llmos interactive session  (battery $%.2f)\n", k.Economy.Balance())
	fmt.Println("Type a goal, or :status :budget :traces :help :quit")
	fmt.Println(strings.Repeat("─", 60))

	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, ":") {
			if quit := handleMeta(k, input); quit {
				return nil
			}
			continue
		}

		goalCtx, goalCancel := context.WithTimeout(ctx, timeout)
		res, err := k.Execute(goalCtx, dispatch.Request{
			Goal:       input,
			Project:    projectName,
			MaxCostUSD: maxCost,
		})
		goalCancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "dispatch error: %v\n", err)
			continue
		}

		printResult(res)
		if !res.Success && res.Err == dispatch.ReasonLowBattery {
			fmt.Println("Battery exhausted. Free modes (trace replay, crystallized tools) still work.")
		}
		fmt.Println()
	}
}

// handleMeta runs one colon command. Returns true when the session
// should end.
func handleMeta(k *kernel.Kernel, input string) bool {
	switch cmd := strings.Fields(input)[0]; cmd {
	case ":quit", ":q", ":exit":
		fmt.Println("Bye.")
		return true
	case ":status":
		printBanner(k.Status())
	case ":budget":
		printBudget(k)
	case ":traces":
		printTraces(k)
	case ":help":
		printHelp()
	default:
		fmt.Printf("Unknown command %s (try :help)\n", cmd)
	}
	return false
}

func printBudget(k *kernel.Kernel) {
	fmt.Printf("Battery: $%.4f of $%.2f (spent $%.4f)\n",
		k.Economy.Balance(), k.Economy.Initial(), k.Economy.Spent())
	entries := k.Economy.Entries()
	if len(entries) == 0 {
		fmt.Println("No spend this session.")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  $%.4f  %s\n", e.Timestamp.Format("15:04:05"), e.AmountUSD, e.Reason)
	}
}

func printTraces(k *kernel.Kernel) {
	traces := k.Traces.All()
	if len(traces) == 0 {
		fmt.Println("No traces recorded yet.")
		return
	}
	fmt.Printf("%d trace(s):\n", len(traces))
	for _, tr := range traces {
		marker := " "
		if tr.CrystallizedIntoTool != "" {
			marker = "◆"
		}
		fmt.Printf("  %s %.2f  x%-3d %s\n", marker, tr.SuccessRating, tr.UsageCount, clipText(tr.GoalText, 56))
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  :status   kernel status banner")
	fmt.Println("  :budget   session battery and spend log")
	fmt.Println("  :traces   stored execution traces (◆ = crystallized)")
	fmt.Println("  :quit     leave the session")
	fmt.Println("Anything else is dispatched as a goal.")
}

// clipText flattens newlines and truncates to max runes.
func clipText(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
