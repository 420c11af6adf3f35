package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
	"github.com/ehr/mllp-gateway/internal/platform/mllp"
)

func sendCmd() *cobra.Command {
	var (
		addr    string
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an HL7 v2 message over MLLP and print the acknowledgment",
		Long: "Send frames one message, waits for the reply and prints it with segments on separate lines.\n" +
			"Without --file a sample ADT^A01 with a fresh control ID is sent.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if file != "" {
				raw, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				// Files are usually written with LF line ends.
				msg, err := hl7v2.Parse(raw)
				if err != nil {
					return fmt.Errorf("send: %w", err)
				}
				payload = msg.Bytes()
			} else {
				msg, err := sampleADT(time.Now())
				if err != nil {
					return err
				}
				payload = msg.Bytes()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := mllp.Dial(ctx, addr, timeout)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Send(ctx, payload)
			if err != nil {
				return err
			}

			out := strings.TrimRight(strings.ReplaceAll(string(reply), "\r", "\n"), "\n")
			fmt.Fprintln(cmd.OutOrStdout(), out)

			ack, err := hl7v2.Parse(reply)
			if err != nil {
				return fmt.Errorf("send: unreadable reply: %w", err)
			}
			msa := ack.GetSegment("MSA")
			if msa == nil {
				return fmt.Errorf("send: reply has no MSA segment")
			}
			if code := msa.GetField(1); code != string(hl7v2.AckAccept) && code != "CA" {
				return fmt.Errorf("send: message not accepted: %s %s", code, msa.GetField(3))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:2575", "MLLP server address")
	cmd.Flags().StringVar(&file, "file", "", "message file to send, \"-\" for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial and reply timeout")
	return cmd
}

// sampleADT builds an admission message for a test patient.
func sampleADT(now time.Time) (*hl7v2.Message, error) {
	d := hl7v2.DefaultDelimiters()
	ts := now.Format("20060102150405")
	return hl7v2.NewMessage(d,
		d.NewHeader("SENDING_APP", "SENDING_FACILITY", "RECEIVING_APP", "RECEIVING_FACILITY", ts, "", "ADT^A01", hl7v2.NewControlID(), "P", "2.5"),
		d.NewSegment("EVN", "A01", ts),
		d.NewSegment("PID", "1", "", "12345^^^MRN", "", "DOE^JOHN", "", "19800101", "M", "", "W", "123 MAIN ST^^ANYTOWN^CA^12345", "", "5551234"),
		d.NewSegment("NK1", "1", "DOE^JANE", "SPOUSE", "555-5678"),
		d.NewSegment("PV1", "1", "I", "2000^2012^01", "", "", "", "004777^ATTEND^AARON^A", "", "", "SUR"),
	)
}
