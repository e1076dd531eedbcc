package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/relaybot-data/relaybot/internal/config"
	"github.com/relaybot-data/relaybot/internal/orders"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Manage the orders database",
}

var ordersInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the orders database and apply migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		store, err := openOrders()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.MigrateUp("migrations"); err != nil {
			return err
		}
		fmt.Println("orders database ready")
		return nil
	},
}

var ordersAddCmd = &cobra.Command{
	Use:   "add <order-id> <secret-key>",
	Short: "Insert an order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("order id must be an integer: %w", err)
		}
		store, err := openOrders()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.EnsureSchema(); err != nil {
			return err
		}
		if err := store.Add(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("order %d added\n", id)
		return nil
	},
}

var ordersCheckCmd = &cobra.Command{
	Use:   "check <order-id> <secret-key>",
	Short: "Check whether an (id, key) pair verifies",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("order id must be an integer: %w", err)
		}
		store, err := openOrders()
		if err != nil {
			return err
		}
		defer store.Close()
		ok, err := store.Exists(id, args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("order %d does not verify", id)
		}
		fmt.Printf("order %d verifies\n", id)
		return nil
	},
}

func openOrders() (*orders.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return orders.Open(cfg.OrdersDB)
}

func init() {
	ordersCmd.AddCommand(ordersInitCmd)
	ordersCmd.AddCommand(ordersAddCmd)
	ordersCmd.AddCommand(ordersCheckCmd)
}
