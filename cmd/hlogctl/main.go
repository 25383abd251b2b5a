// Command hlogctl is a thin CLI wrapper over hlogstore.Store: config
// load plus checkpoint, gc, and stats subcommands. Command-line programs
// are out of scope for the core itself (SPEC_FULL.md §1); this exists only
// as an operator convenience.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hlogstore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hlogctl",
	Short: "operate an hlogstore data directory",
}

func loadOptions() (hlogstore.Options, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hlogstore")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetDefault("storage_path", "./hlogstore-data")

	opts := hlogstore.DefaultOptions(viper.GetString("storage_path"))
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return opts, fmt.Errorf("hlogctl: read config: %w", err)
		}
	}
	opts.StoragePath = viper.GetString("storage_path")
	if v := viper.GetUint64("memory_size"); v != 0 {
		opts.MemorySize = v
	}
	if v := viper.GetUint64("page_size"); v != 0 {
		opts.PageSize = v
	}
	return opts, nil
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "take a checkpoint of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		store, err := hlogstore.Open(opts)
		if err != nil {
			return err
		}
		defer store.Close()
		token, err := store.Checkpoint()
		if err != nil {
			return err
		}
		fmt.Println("checkpoint:", token)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "run one garbage-collection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		store, err := hlogstore.Open(opts)
		if err != nil {
			return err
		}
		defer store.Close()
		res, err := store.RunGC(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("gc: new_begin=%d migrated=%d removed=%d truncated=%d\n",
			res.NewBegin, res.Migrated, res.Removed, res.BytesTruncated)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		store, err := hlogstore.Open(opts)
		if err != nil {
			return err
		}
		defer store.Close()
		s := store.Stats()
		fmt.Printf("keys=%d begin=%d head=%d read_only=%d tail=%d upserts=%d reads=%d deletes=%d\n",
			s.KeyCount, s.BeginAddress, s.HeadAddress, s.ReadOnlyAddress, s.TailAddress, s.Upserts, s.Reads, s.Deletes)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./hlogstore.yaml)")
	rootCmd.AddCommand(checkpointCmd, gcCmd, statsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
