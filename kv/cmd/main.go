package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openwiki/infobase/kv"
	"github.com/openwiki/infobase/store"
)

var configPath string

var CMD = &cobra.Command{
	Use:   "kv",
	Short: "direct low level storage access",
}

func init() {
	CMD.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to yaml config file")
	CMD.AddCommand(listCmd)
	CMD.AddCommand(getCmd)
	CMD.AddCommand(putCmd)
	CMD.AddCommand(delCmd)
}

func open() kv.KV {
	cfg, err := store.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}
	var db kv.KV
	switch cfg.Backend {
	case "tikv":
		db, err = kv.NewTikv(cfg.PDEndpoint)
	default:
		db, err = kv.NewPebble(cfg.PebbleDir)
	}
	if err != nil {
		panic(err)
	}
	return db
}

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all keys",
	Run: func(cmd *cobra.Command, args []string) {
		db := open()
		defer db.Close()
		r := db.Read()
		defer r.Close()
		for kvp, err := range r.Iter(cmd.Context(), []byte{}, []byte{}) {
			if err != nil {
				panic(err)
			}
			fmt.Println(escapeNonPrintable(kvp.K))
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get value for a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := open()
		defer db.Close()
		r := db.Read()
		defer r.Close()
		v, err := r.Get(cmd.Context(), []byte(args[0]))
		if err != nil {
			panic(err)
		}
		fmt.Println(escapeNonPrintable(v))
	},
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Put a key-value pair",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db := open()
		defer db.Close()
		w := db.Write()
		w.Put([]byte(args[0]), []byte(args[1]))
		if err := w.Commit(cmd.Context()); err != nil {
			panic(err)
		}
	},
}

var delCmd = &cobra.Command{
	Use:     "del [key]",
	Aliases: []string{"rm"},
	Short:   "Delete a key-value pair",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := open()
		defer db.Close()
		w := db.Write()
		w.Del([]byte(args[0]))
		if err := w.Commit(cmd.Context()); err != nil {
			panic(err)
		}
	},
}

func escapeNonPrintable(b []byte) string {
	var result strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			result.WriteByte(c)
		} else {
			result.WriteString(fmt.Sprintf("\\x%02x", c))
		}
	}
	return result.String()
}
