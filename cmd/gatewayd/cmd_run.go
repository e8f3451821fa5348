package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/lanbridge/gatewayd/internal/config"
	"github.com/lanbridge/gatewayd/internal/gateway"
	"github.com/lanbridge/gatewayd/internal/proxyclient"
	"github.com/lanbridge/gatewayd/internal/rawnet"
	"github.com/lanbridge/gatewayd/internal/reactor"
	"github.com/lanbridge/gatewayd/internal/socket"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	RunE:  runGateway,
}

func init() {
	runCmd.Flags().String("interface", "", "physical interface to capture on")
	runCmd.Flags().String("network", "", "managed LAN subnet, e.g. 192.168.0.0/24")
	runCmd.Flags().String("gateway", "", "default-route address on the virtual NIC")
	runCmd.Flags().String("proxy", "", "SOCKS5 proxy address, host:port")
	runCmd.Flags().Int("udp-cache-size", cfg.DefaultUDPCacheSize, "max concurrently tracked UDP conversations")
	runCmd.Flags().String("bpf-filter", "", "filter expression reported at startup (capture always filters on net <network>)")

	viper.BindPFlag("run.interface", runCmd.Flags().Lookup("interface"))
	viper.BindPFlag("run.network", runCmd.Flags().Lookup("network"))
	viper.BindPFlag("run.gateway", runCmd.Flags().Lookup("gateway"))
	viper.BindPFlag("run.proxy", runCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("run.udp-cache-size", runCmd.Flags().Lookup("udp-cache-size"))
	viper.BindPFlag("run.bpf-filter", runCmd.Flags().Lookup("bpf-filter"))

	viper.SetEnvPrefix("GATEWAYD")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	network, err := netip.ParsePrefix(viper.GetString("run.network"))
	if err != nil {
		return fmt.Errorf("gatewayd: invalid --network: %w", err)
	}
	gatewayAddr, err := netip.ParseAddr(viper.GetString("run.gateway"))
	if err != nil {
		return fmt.Errorf("gatewayd: invalid --gateway: %w", err)
	}

	conf := cfg.Config{
		Interface:    viper.GetString("run.interface"),
		Network:      network,
		GatewayAddr:  gatewayAddr,
		ProxyAddr:    viper.GetString("run.proxy"),
		UDPCacheSize: viper.GetInt("run.udp-cache-size"),
		BPFFilter:    viper.GetString("run.bpf-filter"),
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		fmt.Printf("gatewayd: shutdown signal received\n")
		cancel()
	}()

	return start(ctx, conf)
}

func start(ctx context.Context, conf cfg.Config) error {
	ifaces, err := rawnet.Enumerate()
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	var desc rawnet.InterfaceDescription
	found := false
	for _, d := range ifaces {
		if d.Name == conf.Interface {
			desc = d
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("gatewayd: interface %q not found", conf.Interface)
	}

	raw, err := rawnet.Open(desc, conf.Network)
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}
	defer raw.Close()

	fmt.Printf("gatewayd: capturing on %s, filter %q\n", conf.Interface, conf.Filter())

	react, err := reactor.New(conf.Network, conf.GatewayAddr, cfg.MTU, raw.HardwareAddr())
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	set := socket.NewSet()
	listener := socket.NewTcpListener(react.Stack, set, cfg.MaxSYNBacklog)
	udpSocket := socket.NewUdpSocket(react.Stack, set, 1024)

	dialer, err := proxyclient.NewSOCKS5(conf.ProxyAddr, nil)
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	gw, err := gateway.New(dialer, listener, udpSocket, conf.UDPCacheSize)
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	inbound, outbound := raw.Start(ctx, rawnet.PassAll{})

	go func() {
		if err := react.Run(ctx, inbound, outbound); err != nil {
			fmt.Printf("gatewayd: reactor stopped: %v\n", err)
		}
	}()

	fmt.Printf("gatewayd: ready, forwarding through %s\n", conf.ProxyAddr)

	return gw.Run(ctx)
}
