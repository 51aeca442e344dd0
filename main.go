package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	kvcmd "github.com/openwiki/infobase/kv/cmd"
	sr "github.com/openwiki/infobase/server"
)

var rootCmd = &cobra.Command{
	Use:   "infobase",
	Short: "a versioned, schema-aware object datastore",
}

func init() {
	rootCmd.AddCommand(sr.CMD)
	rootCmd.AddCommand(kvcmd.CMD)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
