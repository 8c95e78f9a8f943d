package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shineum/threadmail/internal/email"
	"github.com/shineum/threadmail/internal/mailer"
	"github.com/shineum/threadmail/internal/recipient"
)

type sendFlags struct {
	to, cc, bcc []string
	userID      uint32
	list        bool

	subject  string
	body     string
	bodyFile string
	attach   []string
	keys     []string

	thread, entry uint32
	inReplyTo     string
	references    []string
	replyTag      string
	noReplyTag    bool

	text, bulk, autoReply, notice, noBounce bool
	fromName, fromAddress                   string
	userType                                string

	notify string
}

func newSendCmd(root *rootFlags) *cobra.Command {
	f := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Compose and deliver a message",
		Long: `Compose a message and deliver it through the configured accounts,
falling back to local sendmail. Prints the Message-ID on success.

The body is HTML unless --text is given. Inline images reference stored
files as cid:<key> (see "threadmail files add").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			to, err := f.recipient()
			if err != nil {
				return err
			}
			body, err := f.readBody(cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					slog.Warn("failed to close", "error", err)
				}
			}()

			ctx := cmd.Context()
			var attachments []email.Attachable
			for _, path := range f.attach {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read attachment: %w", err)
				}
				attachments = append(attachments, &email.Blob{Filename: filepath.Base(path), Data: data})
			}
			for _, key := range f.keys {
				file, err := a.store.Lookup(ctx, key)
				if err != nil {
					return err
				}
				if file == nil {
					return fmt.Errorf("no stored file with key %s", key)
				}
				attachments = append(attachments, file)
			}

			opts := f.options()
			defaults := email.Options{EOL: root.cfg.Mail.LineEnding()}

			var mid string
			if f.notify != "" {
				if len(attachments) > 0 {
					return errors.New("--notify does not take attachments")
				}
				if opts.EOL == "" {
					opts.EOL = defaults.EOL
				}
				mid, err = mailer.Notify(ctx, a.mailer, to, f.subject, body, f.notify, opts)
			} else {
				m := mailer.New(a.mailer, a.sender(), defaults)
				m.AddAttachments(attachments...)
				mid, err = m.Send(ctx, to, f.subject, email.Body{Content: body}, opts)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), mid)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVar(&f.to, "to", nil, "To recipient (repeatable)")
	fl.StringSliceVar(&f.cc, "cc", nil, "Cc recipient (repeatable)")
	fl.StringSliceVar(&f.bcc, "bcc", nil, "Bcc recipient (repeatable)")
	fl.Uint32Var(&f.userID, "user-id", 0, "address the single --to recipient as the ticket owner with this user id")
	fl.BoolVar(&f.list, "list", false, "address all recipients as one mailing list")
	fl.StringVarP(&f.subject, "subject", "s", "", "message subject")
	fl.StringVarP(&f.body, "body", "b", "", "message body")
	fl.StringVar(&f.bodyFile, "body-file", "", "read the message body from a file ('-' for stdin)")
	fl.StringSliceVarP(&f.attach, "attach", "a", nil, "attach a local file (repeatable)")
	fl.StringSliceVar(&f.keys, "attach-key", nil, "attach a stored file by key (repeatable)")
	fl.Uint32Var(&f.thread, "thread", 0, "thread id to correlate with")
	fl.Uint32Var(&f.entry, "entry", 0, "thread entry id to correlate with")
	fl.StringVar(&f.inReplyTo, "in-reply-to", "", "explicit In-Reply-To")
	fl.StringSliceVar(&f.references, "references", nil, "explicit References (repeatable)")
	fl.StringVar(&f.replyTag, "reply-tag", "", "override the quoted-reply separator")
	fl.BoolVar(&f.noReplyTag, "no-reply-tag", false, "disable the quoted-reply separator")
	fl.BoolVar(&f.text, "text", false, "send the body as plain text")
	fl.BoolVar(&f.bulk, "bulk", false, "mark as Precedence: bulk")
	fl.BoolVar(&f.autoReply, "autoreply", false, "mark as an automated reply")
	fl.BoolVar(&f.notice, "notice", false, "mark as a system notice")
	fl.BoolVar(&f.noBounce, "nobounce", false, "send with an empty Return-Path")
	fl.StringVar(&f.fromName, "from-name", "", "override the From display name")
	fl.StringVar(&f.fromAddress, "from-address", "", "envelope sender for local delivery")
	fl.StringVar(&f.userType, "utype", "", "recipient class for ambiguous recipients")
	fl.StringVar(&f.notify, "notify", "", "send a system notice from this address, without thread context")
	cmd.MarkFlagsMutuallyExclusive("reply-tag", "no-reply-tag")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	return cmd
}

// recipient builds the recipient argument of a send from the address flags.
func (f *sendFlags) recipient() (recipient.Recipient, error) {
	var list recipient.List
	for _, addr := range f.to {
		list = append(list, recipient.Address(addr))
	}
	for _, addr := range f.cc {
		list = append(list, recipient.Contact{Address: addr, Kind: recipient.Cc})
	}
	for _, addr := range f.bcc {
		list = append(list, recipient.Contact{Address: addr, Kind: recipient.Bcc})
	}

	switch {
	case len(list) == 0:
		return nil, errors.New("at least one recipient is required")
	case f.userID != 0:
		if len(f.to) != 1 || len(list) != 1 {
			return nil, errors.New("--user-id needs exactly one --to recipient")
		}
		return recipient.Owner{UserID: f.userID, Address: f.to[0]}, nil
	case f.list:
		return recipient.MailingList{Members: list}, nil
	case len(list) == 1:
		return list[0], nil
	}
	return list, nil
}

func (f *sendFlags) readBody(stdin io.Reader) (string, error) {
	switch f.bodyFile {
	case "":
		return f.body, nil
	case "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(f.bodyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), nil
}

func (f *sendFlags) options() email.Options {
	opts := email.Options{
		InReplyTo:   f.inReplyTo,
		References:  f.references,
		NoBounce:    f.noBounce,
		Bulk:        f.bulk,
		AutoReply:   f.autoReply,
		Notice:      f.notice,
		Text:        f.text,
		FromName:    f.fromName,
		FromAddress: f.fromAddress,
		UserType:    f.userType,
	}
	if f.thread != 0 {
		opts.Thread = &email.ThreadRef{ThreadID: f.thread, EntryID: f.entry}
	}
	switch {
	case f.noReplyTag:
		opts.ReplyTag = email.NoReplyTag()
	case f.replyTag != "":
		opts.ReplyTag = email.ReplyTag(f.replyTag)
	}
	return opts
}
