package cmd

import (
	"encoding/json"
	"fmt"
)

// printResult renders a decoded API response per --format (spec §6's
// "call <tool> ... [--format json|pretty]", generalized to every
// subcommand rather than just call).
func printResult(v any) error {
	if flagFormat == "json" {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
