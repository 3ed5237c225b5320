package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Project-Bois/DataDash-codes/transfer"
	"github.com/schollz/progressbar/v3"
)

// progressUI renders session events as a single byte-based progress bar.
type progressUI struct {
	bar *progressbar.ProgressBar
	max int64
}

func newProgressUI() *progressUI {
	return &progressUI{}
}

func (p *progressUI) init(total int64) {
	p.max = total
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Sending..."),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

// consume drains events until the session closes the channel.
func (p *progressUI) consume(events <-chan transfer.Event) {
	for ev := range events {
		if p.bar == nil {
			p.init(int64(ev.SessionTotal))
		}
		// Ciphertext is slightly larger than the planned plaintext total.
		if int64(ev.SessionBytes) > p.max {
			p.max = int64(ev.SessionBytes)
			p.bar.ChangeMax64(p.max)
		}

		switch ev.Kind {
		case transfer.EventItemStarted:
			p.bar.Describe(fmt.Sprintf("Sending %s", ev.Path))
		case transfer.EventProgress, transfer.EventItemDone:
			_ = p.bar.Set64(int64(ev.SessionBytes))
			p.bar.Describe(fmt.Sprintf("Sending %s (%d%% - %.2f MB/s)", ev.Path, ev.Percent, ev.Rate/(1024*1024)))
		case transfer.EventItemFailed:
			fmt.Fprintf(os.Stderr, "\nSkipped %s: %v\n", ev.Path, ev.Err)
		case transfer.EventHalted:
			_ = p.bar.Set64(int64(ev.SessionBytes))
			_ = p.bar.Finish()
		}
	}
}

func showReport(r *transfer.Report) {
	fmt.Printf("=============================================\n")
	if r.Partial() {
		fmt.Printf("Transfer finished with %d skipped item(s)\n", len(r.Failed))
	} else {
		fmt.Printf("Transfer completed successfully!\n")
	}
	fmt.Printf("+ Items sent: %d\n", len(r.Sent))
	fmt.Printf("+ Total bytes sent: %s\n", formatSize(r.Bytes))
	fmt.Printf("+ Transfer time: %s\n", r.Elapsed.Round(time.Millisecond))
	if secs := r.Elapsed.Seconds(); secs > 0 {
		fmt.Printf("+ Average throughput: %.2f MB/s\n", float64(r.Bytes)/secs/(1024*1024))
	}
	for _, f := range r.Failed {
		fmt.Printf("- %s: %v\n", f.Path, f.Err)
	}
	fmt.Printf("=============================================\n")
}

func showReceived(r *transfer.Received) {
	fmt.Printf("=============================================\n")
	fmt.Printf("Received %d item(s), %s\n", len(r.Items), formatSize(r.Bytes))
	if r.Folder != "" {
		fmt.Printf("+ Folder: %s\n", r.Folder)
	}
	for _, it := range r.Items {
		fmt.Printf("+ %s\n", it.Path)
	}
	for _, s := range r.Skipped {
		fmt.Printf("- rejected %s\n", s)
	}
	fmt.Printf("=============================================\n")
}

func formatSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
