package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groupman/internal/app"
	"groupman/internal/job"
)

func main() {
	var (
		cfgPath string
		action  string
		userID  string
		phone   string
		gjid    string
		gname   string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&action, "action", "", "one-shot action: create_group|add_member|remove_member|get_or_create_active_group|get_active_groups|history|refresh (empty runs the daemon)")
	flag.StringVar(&userID, "user", "", "user id for add_member/remove_member")
	flag.StringVar(&phone, "phone", "", "phone number for add_member/remove_member")
	flag.StringVar(&gjid, "group", "", "group jid for remove_member")
	flag.StringVar(&gname, "name", "", "group name for create_group (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if action != "" {
		code := runAction(ctx, a, action, userID, phone, gjid, gname)
		_ = a.Close()
		os.Exit(code)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Close()
		os.Exit(1)
	}

	<-a.Done()

	reason := app.StopSignal
	if a.Err() != nil {
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()

	if a.Err() != nil {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}

func runAction(ctx context.Context, a *app.App, action, userID, phone, gjid, gname string) int {
	var (
		out any
		err error
	)
	if action == "refresh" {
		out, err = a.Runner().Refresh(ctx)
	} else {
		out, err = a.Runner().Do(ctx, job.Action{
			Name:        action,
			UserID:      userID,
			PhoneNumber: phone,
			GroupJID:    gjid,
			GroupName:   gname,
		})
	}
	if err != nil {
		if errors.Is(err, job.ErrLeaseHeld) {
			fmt.Fprintln(os.Stderr, "skipped:", err)
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
