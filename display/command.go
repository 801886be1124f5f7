// Package display renders CLI results for people or for scripts.
package display

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// OutputEnv selects JSON output when set to "json"
const OutputEnv = "TALLY_OUTPUT"

// ShouldOutputJSON reports whether a command should print JSON instead of
// tables. An explicit --json flag wins over the environment.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			v, _ := cmd.Flags().GetBool("json")
			return v
		}
		if v, err := cmd.Root().PersistentFlags().GetBool("json"); err == nil && v {
			return true
		}
	}
	return os.Getenv(OutputEnv) == "json"
}

// MarshalJSON marshals with indentation
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// OutputJSON marshals and prints v
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
