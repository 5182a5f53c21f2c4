package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alfredjeanlab/dealroom/internal/artifact"
	"github.com/alfredjeanlab/dealroom/internal/delivery"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/ui"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Hand off work in a room",
}

var deliverStatusCmd = &cobra.Command{
	Use:   "status <room-id>",
	Short: "Show which delivery slots are filled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		gate := rt.deliveries().Get(args[0])
		if err := gate.Load(ctx); err != nil {
			return err
		}
		st := gate.Status()
		if jsonOutput {
			printJSON(map[string]any{"status": st, "missing": gate.Missing(), "artifact": gate.Artifact()})
			return nil
		}
		fmt.Printf("Reference link: %s\n", slot(st.HasReference))
		fmt.Printf("Archive:        %s\n", slot(st.HasArtifact))
		if st.Reviewable {
			fmt.Println(ui.RenderOK("Ready for review."))
		} else {
			fmt.Println(ui.RenderMuted("Missing: " + strings.Join(gate.Missing(), ", ")))
		}
		return nil
	},
}

func slot(ok bool) string {
	if ok {
		return ui.RenderOK("submitted")
	}
	return ui.RenderPending("missing")
}

var deliverLinkCmd = &cobra.Command{
	Use:   "link <room-id> <url>",
	Short: "Submit the reference link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		credential, _ := cmd.Flags().GetString("credential")
		ctx := context.Background()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		gate := rt.deliveries().Get(args[0])
		err = gate.SubmitReference(ctx, args[1], credential)
		if errors.Is(err, model.ErrCredentialRequired) && term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Print("The link is private. Access token: ")
			token, rerr := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if rerr != nil {
				return rerr
			}
			err = gate.RetryReferenceWithCredential(ctx, string(token))
		}
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderOK("Reference link submitted."))
		return nil
	},
}

var deliverUploadCmd = &cobra.Command{
	Use:   "upload <room-id> <archive.zip>",
	Short: "Upload the delivery archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if err := artifact.CheckSize(info.Size(), int64(cfg.ArtifactMaxBytes)); err != nil {
			return err
		}
		structure, err := artifact.ZipStructure(f, info.Size())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		name := filepath.Base(args[1])
		contentType := mime.TypeByExtension(filepath.Ext(name))
		if contentType == "" {
			contentType = "application/zip"
		}
		a, err := rt.deliveries().Get(args[0]).SubmitArtifact(ctx, delivery.ArtifactRequest{
			Name:        name,
			ContentType: contentType,
			Size:        info.Size(),
			Body:        f,
			Structure:   structure,
			Progress: func(sent, total int64) {
				fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(total)))
			},
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
			return nil
		}
		fmt.Println(ui.RenderOK(fmt.Sprintf("Uploaded %s (%s, %d top-level entries).", a.Name, humanize.IBytes(uint64(a.Size)), len(structure))))
		return nil
	},
}

func init() {
	deliverLinkCmd.Flags().String("credential", "", "access token for a private reference")

	deliverCmd.AddCommand(deliverStatusCmd)
	deliverCmd.AddCommand(deliverLinkCmd)
	deliverCmd.AddCommand(deliverUploadCmd)
}
