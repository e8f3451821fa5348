// Command gatewayd bridges a physical LAN segment to a SOCKS5 proxy,
// answering for the whole managed subnet on a single embedded TCP/IP
// stack.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "LAN-to-proxy gateway",
	Long:  "gatewayd captures traffic on a physical interface and forwards it through a SOCKS5 proxy on behalf of the whole managed subnet.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}
