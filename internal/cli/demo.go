package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/lazypower/fdleak/internal/server"
	"github.com/lazypower/fdleak/pkg/instrument"
	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/lazypower/fdleak/pkg/tracker"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	demoLeakEvery int
	demoRate      time.Duration
	demoMinAge    time.Duration
	demoInterval  time.Duration
	demoNoServer  bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an instrumented workload that leaks handles",
	Long: `Run a workload that opens files and sockets through the instrumentation
layer and leaves some of them open. The tracker promotes the leaked ones into
the configured store and the inspection API is served alongside.

Keys (when stdin is a terminal): p lists live handles, s sweeps now, q quits.
On exit every handle still open is reported as UNCLOSED.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoLeakEvery, "leak-every", 5, "leave every Nth handle open (0 never leaks)")
	demoCmd.Flags().DurationVar(&demoRate, "rate", 500*time.Millisecond, "time between workload operations")
	demoCmd.Flags().DurationVar(&demoMinAge, "min-age", 0, "override tracker.min_age")
	demoCmd.Flags().DurationVar(&demoInterval, "interval", 0, "override tracker.interval")
	demoCmd.Flags().BoolVar(&demoNoServer, "no-server", false, "do not serve the inspection API")
}

var (
	red   = color.New(color.FgRed, color.Bold)
	green = color.New(color.FgGreen)
)

func runDemo(cmd *cobra.Command, args []string) error {
	st, loc, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	policy := cfg.Policy()
	if cmd.Flags().Changed("min-age") {
		policy.MinAge = demoMinAge
	}
	interval := cfg.Interval()
	if cmd.Flags().Changed("interval") {
		interval = demoInterval
	}

	tr := tracker.New(st, leak.NewFactory(policy),
		tracker.WithInterval(interval),
		tracker.WithLogger(logrus.WithField("component", "tracker")))
	tr.Start()
	defer tr.Close()

	log := logrus.WithField("component", "demo")
	log.WithFields(logrus.Fields{
		"backend":  cfg.Store.Backend,
		"store":    loc,
		"min_age":  policy.MinAge,
		"interval": interval,
	}).Info("tracker started")

	dir, err := os.MkdirTemp("", "fdleak-demo-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := &console{w: cmd.OutOrStdout()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	var keys <-chan byte
	if isatty.IsTerminal(os.Stdin.Fd()) {
		fd := int(os.Stdin.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set the console to raw mode: %w", err)
		}
		out.setRaw(true)
		logrus.SetOutput(&console{w: os.Stderr, raw: true})
		defer func() {
			term.Restore(fd, oldState)
			out.setRaw(false)
			logrus.SetOutput(os.Stderr)
		}()
		keys = readKeys(os.Stdin)
		fmt.Fprintln(out, "keys: p list, s sweep, q quit")
	}

	wl := &workload{t: tr, dir: dir, rate: demoRate, leakEvery: demoLeakEvery, log: log}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wl.files(gctx) })
	g.Go(func() error { return wl.sockets(gctx) })
	if !demoNoServer {
		httpServer := &http.Server{
			Addr:    cfg.ListenAddr(),
			Handler: server.New(st, tr, VersionString()),
		}
		log.WithField("addr", httpServer.Addr).Info("inspection API listening")
		g.Go(func() error { return serveUntil(gctx, httpServer) })
	}
	if keys != nil {
		g.Go(func() error { return handleKeys(gctx, keys, tr, out, quit) })
	}

	err = g.Wait()

	fmt.Fprintln(out)
	reportUnclosed(out, tr.Handles(), tr.Promoted(), time.Now())
	if cerr := wl.cleanup(); cerr != nil {
		log.WithError(cerr).Warn("closing leaked handles")
	}
	return err
}

// console rewrites newlines to CRLF while the terminal is in raw mode.
type console struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

func (c *console) setRaw(raw bool) {
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.raw {
		return c.w.Write(p)
	}
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// readKeys delivers single bytes from r. The reader goroutine stays blocked
// in Read until the process exits.
func readKeys(r io.Reader) <-chan byte {
	ch := make(chan byte)
	go func() {
		defer close(ch)
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				ch <- buf[0]
			}
		}
	}()
	return ch
}

const ctrlC = 3

func handleKeys(ctx context.Context, keys <-chan byte, tr *tracker.Tracker, out io.Writer, quit func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			switch k {
			case 'p':
				printListing(out, tr.Handles(), tr.Promoted(), time.Now())
			case 's':
				before := len(tr.Promoted())
				if err := tr.Sweep(); err != nil {
					logrus.WithError(err).Warn("sweep finished with errors")
				}
				green.Fprintf(out, "sweep: %d promoted\n", len(tr.Promoted())-before)
			case 'q', ctrlC:
				quit()
				return nil
			}
		}
	}
}

func serveUntil(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printListing(w io.Writer, handles []leak.Handle, promoted map[leak.HandleID]string, now time.Time) {
	bold.Fprintln(w, "\n===== LISTING =====")
	if len(handles) == 0 {
		fmt.Fprintln(w, "no live handles")
		return
	}
	for _, h := range handles {
		fmt.Fprintf(w, "%-6s %-6s %-16s %s", h.ID, h.Kind, humanize.RelTime(h.CreatedAt, now, "ago", "from now"), h.Owner)
		if rec, ok := promoted[h.ID]; ok {
			yellow.Fprintf(w, "  [%s]", rec)
		}
		fmt.Fprintln(w)
	}
}

func reportUnclosed(w io.Writer, handles []leak.Handle, promoted map[leak.HandleID]string, now time.Time) {
	for _, h := range handles {
		red.Fprintln(w, "\n===== UNCLOSED =====")
		fmt.Fprintf(w, "%s %s %s, opened %s\n", h.ID, h.Kind, h.Owner, humanize.RelTime(h.CreatedAt, now, "ago", "from now"))
		if rec, ok := promoted[h.ID]; ok {
			yellow.Fprintf(w, "record %s\n", rec)
		}
		for _, frame := range h.Stack {
			fmt.Fprintf(w, "  %s\n", frame)
		}
	}
	if len(handles) == 0 {
		green.Fprintln(w, "all handles closed")
	}
}

// workload opens files and sockets through the instrumentation layer and
// keeps every leakEvery-th one open until cleanup.
type workload struct {
	t         instrument.Tracker
	dir       string
	rate      time.Duration
	leakEvery int
	log       *logrus.Entry

	mu     sync.Mutex
	leaked []io.Closer
}

func (w *workload) shouldLeak(i int) bool {
	return w.leakEvery > 0 && i%w.leakEvery == 0
}

func (w *workload) keep(c io.Closer) {
	w.mu.Lock()
	w.leaked = append(w.leaked, c)
	w.mu.Unlock()
}

func (w *workload) files(ctx context.Context) error {
	ticker := time.NewTicker(w.rate)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := w.writeLog(i); err != nil {
			return err
		}
	}
}

func (w *workload) writeLog(i int) error {
	f, err := instrument.CreateTemp(w.t, w.dir, "demo-*.log")
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}
	if _, err := fmt.Fprintf(f, "entry %d\n", i); err != nil {
		f.Close()
		return fmt.Errorf("write log: %w", err)
	}
	if w.shouldLeak(i) {
		w.log.WithFields(logrus.Fields{"handle": f.HandleID(), "file": f.Name()}).Debug("leaving file open")
		w.keep(f)
		return nil
	}
	return f.Close()
}

func (w *workload) sockets(ctx context.Context) error {
	ln, err := instrument.Listen(w.t, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().String()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go func() {
				io.Copy(io.Discard, c)
				c.Close()
			}()
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(w.rate)
		defer ticker.Stop()
		for i := 1; ; i++ {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := w.ping(ctx, addr, i); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

func (w *workload) ping(ctx context.Context, addr string, i int) error {
	c, err := instrument.DialContext(ctx, w.t, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial: %w", err)
	}
	if _, err := fmt.Fprintf(c, "ping %d\n", i); err != nil && !errors.Is(err, net.ErrClosed) {
		c.Close()
		return fmt.Errorf("write: %w", err)
	}
	if w.shouldLeak(i) {
		w.log.WithFields(logrus.Fields{"handle": c.HandleID(), "conn": c.LocalAddr()}).Debug("leaving connection open")
		w.keep(c)
		return nil
	}
	return c.Close()
}

// cleanup closes everything the workload left open.
func (w *workload) cleanup() error {
	w.mu.Lock()
	leaked := w.leaked
	w.leaked = nil
	w.mu.Unlock()

	var result *multierror.Error
	for _, c := range leaked {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
