// Package main is the pixeldraw command line. It talks to a shared
// collaborative canvas service (or the bundled emulator) and can read the
// canvas, write single pixels, and drive whole draw plans while honoring
// the service's rate limits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pixeldraw/autodraw"
	"pixeldraw/core"
	"pixeldraw/emulator"
	"pixeldraw/gate"
	"pixeldraw/pixels"
	"pixeldraw/stores"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "size":
		err = runSize(os.Args[2:])
	case "canvas":
		err = runCanvas(os.Args[2:])
	case "pixel":
		err = runPixel(os.Args[2:])
	case "draw":
		err = runDraw(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pixeldraw: %v\n", err)
		os.Exit(1)
	}
}

// clientFlags are shared by every subcommand that talks to the service.
type clientFlags struct {
	token   *string
	baseURL *string
	level   *string
	pacing  *time.Duration
	shared  *bool
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		token:   fs.String("token", os.Getenv("PIXELS_TOKEN"), "API token; or set PIXELS_TOKEN"),
		baseURL: fs.String("base-url", os.Getenv("PIXELS_BASE_URL"), "Service base URL; or set PIXELS_BASE_URL"),
		level:   fs.String("loglevel", "info", "The log level (debug, info, warn, error)."),
		pacing:  fs.Duration("pacing", 0, "Minimum delay between writes, e.g. 1m35s (0 disables pacing)"),
		shared:  fs.Bool("shared-cooldown", false, "Treat reported cooldowns as canvas-wide, not per pixel"),
	}
}

// newClient wires the configured cooldown store and gate into a client.
// Closing the client flushes the store.
func (cf *clientFlags) newClient() (*pixels.Client, error) {
	if err := setupLogging(*cf.level); err != nil {
		return nil, err
	}
	if strings.TrimSpace(*cf.token) == "" {
		return nil, errors.New("missing API token (use -token or PIXELS_TOKEN)")
	}

	store := stores.GetCooldownStore()
	if err := store.Load(context.Background()); err != nil {
		logrus.WithError(err).Warn("Failed to load cooldowns, starting empty")
	}
	g := gate.New(store, gate.Config{Pacing: *cf.pacing, SharedCooldown: *cf.shared})

	opts := []pixels.ClientOption{pixels.WithGate(g)}
	if strings.TrimSpace(*cf.baseURL) != "" {
		opts = append(opts, pixels.WithBaseURL(*cf.baseURL))
	}
	return pixels.NewClient(*cf.token, opts...)
}

func setupLogging(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

func runSize(args []string) error {
	fs := flag.NewFlagSet("size", flag.ContinueOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := cf.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	sz, err := client.GetSize(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%dx%d\n", sz.Width, sz.Height)
	return nil
}

func runCanvas(args []string) error {
	fs := flag.NewFlagSet("canvas", flag.ContinueOnError)
	cf := addClientFlags(fs)
	out := fs.String("out", "canvas.png", "Output PNG path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := cf.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	canvas, err := client.GetCanvas(context.Background())
	if err != nil {
		return err
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, canvas.Image()); err != nil {
		return err
	}
	fmt.Printf("Wrote %dx%d canvas to %s\n", canvas.Width(), canvas.Height(), *out)
	return nil
}

func runPixel(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: pixeldraw pixel get|set|swap [flags]")
	}
	switch args[0] {
	case "get":
		return runPixelGet(args[1:])
	case "set":
		return runPixelSet(args[1:])
	case "swap":
		return runPixelSwap(args[1:])
	default:
		return fmt.Errorf("unknown pixel command %q", args[0])
	}
}

func runPixelGet(args []string) error {
	fs := flag.NewFlagSet("pixel get", flag.ContinueOnError)
	cf := addClientFlags(fs)
	x := fs.Int("x", 0, "Pixel x coordinate")
	y := fs.Int("y", 0, "Pixel y coordinate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := cf.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	p := core.Pt(*x, *y)
	col, err := client.GetPixel(context.Background(), p)
	if err != nil {
		return err
	}
	fmt.Printf("Pixel %s is %s\n", p, col)
	return nil
}

func runPixelSet(args []string) error {
	fs := flag.NewFlagSet("pixel set", flag.ContinueOnError)
	cf := addClientFlags(fs)
	x := fs.Int("x", 0, "Pixel x coordinate")
	y := fs.Int("y", 0, "Pixel y coordinate")
	colorName := fs.String("color", "", "Color name or rrggbb hex (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*colorName) == "" {
		return errors.New("-color is required")
	}
	col, err := core.ParseColor(*colorName)
	if err != nil {
		return err
	}
	client, err := cf.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	p := core.Pt(*x, *y)
	if err := client.PutPixel(context.Background(), p, col); err != nil {
		return err
	}
	fmt.Printf("Set pixel %s to %s\n", p, col)
	return nil
}

func runPixelSwap(args []string) error {
	fs := flag.NewFlagSet("pixel swap", flag.ContinueOnError)
	cf := addClientFlags(fs)
	x := fs.Int("x", 0, "First pixel x coordinate")
	y := fs.Int("y", 0, "First pixel y coordinate")
	x2 := fs.Int("x2", 0, "Second pixel x coordinate")
	y2 := fs.Int("y2", 0, "Second pixel y coordinate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := cf.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	a, b := core.Pt(*x, *y), core.Pt(*x2, *y2)
	if err := client.SwapPixels(context.Background(), a, b); err != nil {
		return err
	}
	fmt.Printf("Swapped pixels %s and %s\n", a, b)
	return nil
}

func runDraw(args []string) error {
	fs := flag.NewFlagSet("draw", flag.ContinueOnError)
	cf := addClientFlags(fs)
	planPath := fs.String("plan", "", "Path to a draw plan file")
	imagePath := fs.String("image", "", "Path to an image to draw instead of a plan file")
	x := fs.Int("x", 0, "Origin x when drawing an image")
	y := fs.Int("y", 0, "Origin y when drawing an image")
	scale := fs.Float64("scale", 1, "Scale factor when drawing an image")
	fix := fs.Bool("fix", false, "Fix one mismatch per snapshot instead of batch drawing")
	forever := fs.Bool("forever", false, "Keep watching the region after it matches")
	poll := fs.Duration("poll", time.Second, "Poll interval while the region matches")
	rediff := fs.Int("rediff", 1, "Writes per canvas snapshot before re-diffing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*planPath == "") == (*imagePath == "") {
		return errors.New("provide exactly one of -plan or -image")
	}

	client, err := cf.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	opts := []autodraw.Option{
		autodraw.WithPollInterval(*poll),
		autodraw.WithRediffEvery(*rediff),
	}
	var drawer *autodraw.Drawer
	if *planPath != "" {
		data, err := os.ReadFile(*planPath)
		if err != nil {
			return err
		}
		drawer, err = autodraw.Load(client, data, opts...)
		if err != nil {
			return err
		}
	} else {
		img, err := loadImage(*imagePath)
		if err != nil {
			return err
		}
		drawer, err = autodraw.FromImage(client, core.Pt(*x, *y), img, *scale, opts...)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *fix {
		err = drawer.DrawAndFix(ctx, *forever)
	} else {
		err = drawer.Draw(ctx, *forever)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logrus.Info("Interrupted, saving cooldowns before exit")
		return nil
	}
	return err
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", ":3002", "The address to listen on.")
	level := fs.String("loglevel", "info", "The log level (debug, info, warn, error).")
	width := fs.Int("width", 160, "Canvas width")
	height := fs.Int("height", 90, "Canvas height")
	cooldown := fs.Duration("cooldown", 30*time.Second, "Per-pixel cooldown after a write")
	token := fs.String("auth-token", os.Getenv("EMULATOR_TOKEN"), "Static bearer token; or set EMULATOR_TOKEN (empty disables auth)")
	jwtSecret := fs.String("jwt-secret", os.Getenv("EMULATOR_JWT_SECRET"), "HS256 secret for JWT auth; or set EMULATOR_JWT_SECRET")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := setupLogging(*level); err != nil {
		return err
	}

	srv := emulator.New(emulator.Config{
		Width:     *width,
		Height:    *height,
		Cooldown:  *cooldown,
		Token:     *token,
		JWTSecret: *jwtSecret,
	})

	if *jwtSecret != "" {
		devToken, err := emulator.NewToken(*jwtSecret, "pixeldraw-dev", 24*time.Hour)
		if err != nil {
			return err
		}
		logrus.WithField("token", devToken).Info("Minted a 24h dev token")
	}

	logrus.WithField("addr", *listen).Info("starting emulator")
	go func() {
		if err := http.ListenAndServe(*listen, srv.Handler()); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Emulator is running in the background")
	waitForShutdown()
	return nil
}

func waitForShutdown() {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-signalC
	logrus.Info("Shutting down...")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pixeldraw - collaborative canvas client

Usage:
  pixeldraw size   [flags]
  pixeldraw canvas [flags]
  pixeldraw pixel  get|set|swap [flags]
  pixeldraw draw   [flags]
  pixeldraw serve  [flags]

Common flags:
  -token            API token (or set PIXELS_TOKEN)
  -base-url         Service base URL (or set PIXELS_BASE_URL)
  -loglevel         debug, info, warn or error (default info)
  -pacing           Minimum delay between writes, e.g. 1m35s
  -shared-cooldown  Treat reported cooldowns as canvas-wide

Canvas flags:
  -out         Output PNG path (default canvas.png)

Pixel flags:
  -x, -y       Pixel coordinates
  -x2, -y2     Second pixel for swap
  -color       Color name or rrggbb hex for set

Draw flags:
  -plan        Path to a draw plan file
  -image       Image to draw instead of a plan (-x -y -scale place it)
  -fix         Fix one mismatch per snapshot instead of batch drawing
  -forever     Keep watching the region after it matches
  -poll        Poll interval while the region matches (default 1s)
  -rediff      Writes per snapshot before re-diffing (default 1)

Serve flags:
  -listen      Address for the emulator (default :3002)
  -width       Emulated canvas width (default 160)
  -height      Emulated canvas height (default 90)
  -cooldown    Per-pixel cooldown (default 30s)
  -auth-token  Static bearer token (or set EMULATOR_TOKEN)
  -jwt-secret  HS256 secret for JWT auth (or set EMULATOR_JWT_SECRET)

Cooldown persistence (env):
  COOLDOWN_STORE    memory (default), filesystem, sqlite or s3
  COOLDOWN_PATH     JSON file for the filesystem store
  DATA_SOURCE_NAME  DSN for the sqlite store
  S3_BUCKET_NAME    Bucket for the s3 store
  S3_COOLDOWN_KEY   Object key for the s3 store (default cooldowns.json)
`)
}
