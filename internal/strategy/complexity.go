package strategy

import (
	"regexp"
	"strings"
)

// Multi-step indicators: conjunction markers plus imperative verbs
// leading clauses. A goal like "Research X and create Y" scores one
// marker and two verb-led clauses.
var clauseSplit = regexp.MustCompile(`[.!?;]+|\band\b|\bthen\b`)

var imperativeVerbs = map[string]bool{
	"add": true, "analyze": true, "build": true, "calculate": true,
	"check": true, "clean": true, "compare": true, "compile": true,
	"compute": true, "configure": true, "convert": true, "copy": true,
	"create": true, "debug": true, "delete": true, "deploy": true,
	"design": true, "document": true, "download": true, "draft": true,
	"explain": true, "extract": true, "fetch": true, "find": true,
	"fix": true, "format": true, "generate": true, "implement": true,
	"install": true, "list": true, "make": true, "merge": true,
	"monitor": true, "move": true, "optimize": true, "parse": true,
	"plan": true, "read": true, "refactor": true, "remove": true,
	"rename": true, "report": true, "research": true, "review": true,
	"run": true, "search": true, "send": true, "set": true,
	"setup": true, "split": true, "summarize": true, "test": true,
	"translate": true, "update": true, "upload": true, "validate": true,
	"verify": true, "write": true,
}

// Complexity scores how many multi-step indicators a goal carries:
// each " and ", "then", and ";" occurrence counts one, and each clause
// opening with an imperative verb counts one. A plain single-task goal
// scores 1 (its own leading verb) or 0.
func Complexity(goal string) int {
	lower := strings.ToLower(goal)

	score := strings.Count(lower, " and ")
	score += strings.Count(lower, ";")
	for _, tok := range strings.Fields(lower) {
		if strings.Trim(tok, ".,!?;:") == "then" {
			score++
		}
	}

	for _, clause := range clauseSplit.Split(lower, -1) {
		fields := strings.Fields(clause)
		if len(fields) == 0 {
			continue
		}
		if imperativeVerbs[strings.Trim(fields[0], ".,!?;:")] {
			score++
		}
	}
	return score
}
