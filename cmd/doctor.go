package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tgmirror/internal/config"
	"github.com/nextlevelbuilder/tgmirror/internal/resolver"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("tgmirror doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	} else {
		fmt.Println("  Config valid")
	}

	fmt.Printf("  Session:  %s", cfg.SessionFile())
	if _, err := os.Stat(cfg.SessionFile()); err != nil {
		fmt.Println(" (not created yet, first run will prompt for login)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  History:  %s\n", cfg.HistoryDir())
	fmt.Printf("  Tmp:      %s\n", cfg.DownloadDir())

	fmt.Println()
	fmt.Println("  Channel pairs:")
	for _, pair := range cfg.Forward.ForwardChannelPairs {
		if ref, _, err := resolver.Parse(pair.SourceChannel); err != nil {
			fmt.Printf("    %s (UNPARSEABLE: %s)\n", pair.SourceChannel, err)
		} else {
			fmt.Printf("    %s%s -> %d target(s)\n", pair.SourceChannel, permalink(ref), len(pair.TargetChannels))
		}
		for _, t := range pair.TargetChannels {
			if _, _, err := resolver.Parse(t); err != nil {
				fmt.Printf("      %s (UNPARSEABLE: %s)\n", t, err)
			}
		}
	}
}

// permalink renders the private t.me/c/ form for numeric channel refs,
// so the printed pair can be opened in a client.
func permalink(ref resolver.Ref) string {
	if ref.Kind != resolver.KindChatID {
		return ""
	}
	bare, ok := telegram.BareChannelID(ref.ID)
	if !ok {
		return ""
	}
	return fmt.Sprintf(" (t.me/c/%d)", bare)
}
