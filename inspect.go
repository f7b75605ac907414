package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"localchat/identity"
	"localchat/storage"
)

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Print the port, socket and files used by an instance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, inst, err := loadInstance(cmd)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Instance:\t%d\n", inst.Number)
		fmt.Fprintf(w, "TCP port:\t%d\n", inst.TCPPort)
		fmt.Fprintf(w, "Control socket:\t%s\n", inst.ControlSocketPath)
		fmt.Fprintf(w, "Data directory:\t%s\n", inst.DataDir)
		fmt.Fprintf(w, "Identity file:\t%s\n", inst.IdentityFilePath)
		fmt.Fprintf(w, "History file:\t%s\n", inst.HistoryPath)
		return w.Flush()
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show the persisted identity of an instance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, inst, err := loadInstance(cmd)
		if err != nil {
			return err
		}
		self, err := identity.NewStore(inst.IdentityFilePath).Load()
		switch {
		case errors.Is(err, identity.ErrCorrupt):
			return err
		case errors.Is(err, identity.ErrNotFound):
			fmt.Printf("No identity yet for instance %d; a front end must send SetUsername.\n", inst.Number)
			return nil
		case err != nil:
			return err
		}
		fmt.Printf("Display name: %s\n", self.DisplayName)
		fmt.Printf("Global ID:    %s\n", self.GlobalID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [peer-global-id]",
	Short: "List known peers, or the stored conversation with one peer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, inst, err := loadInstance(cmd)
		if err != nil {
			return err
		}
		if _, err := os.Stat(inst.HistoryPath); err != nil {
			return fmt.Errorf("no history for instance %d: %w", inst.Number, err)
		}

		store, err := storage.OpenPath(inst.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			return printKnownPeers(store)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return printConversation(store, args[0], limit)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 50, "maximum number of messages to show")
}

func printKnownPeers(store *storage.Store) error {
	peers, err := store.KnownPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("No peers recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tGLOBAL ID\tLAST ADDRESS\tLAST SEEN")
	for _, peer := range peers {
		address := "-"
		if peer.LastKnownIP != "" {
			address = fmt.Sprintf("%s:%d", peer.LastKnownIP, peer.LastKnownPort)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DisplayName, peer.GlobalID, address, peer.LastSeenAt.Format(time.DateTime))
	}
	return w.Flush()
}

func printConversation(store *storage.Store, peerID string, limit int) error {
	messages, err := store.Conversation(peerID, time.Time{}, limit)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Printf("No messages with %s.\n", peerID)
		return nil
	}
	for _, msg := range messages {
		fmt.Printf("[%s] %s: %s\n", msg.SentAt.Format(time.DateTime), msg.SenderID, msg.Body)
	}
	return nil
}
