package antibot

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// UserAgent identifies the scraper openly instead of copying a real browser signature.
const UserAgent = "Mozilla/5.0 (compatible; TikTrendFinder/1.0; +https://tiktrendfinder.com/bot) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const (
	defaultLocale   = "pt-BR"
	defaultTimezone = "America/Sao_Paulo"
	defaultVendor   = "Google Inc."

	webGLVendor   = "Google Inc. (NVIDIA)"
	webGLRenderer = "ANGLE (NVIDIA GeForce GTX 1080 Direct3D11 vs_5_0 ps_5_0)"
)

type Screen struct {
	Width  int
	Height int
}

var screens = []Screen{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{1440, 900},
	{2560, 1440},
}

var (
	colorDepths         = []int{24, 32}
	deviceMemories      = []int{4, 8, 16}
	hardwareConcurrency = []int{4, 8, 12, 16}
)

// Fingerprint is the browser identity presented to the target site for one session.
type Fingerprint struct {
	UserAgent           string
	ScreenWidth         int
	ScreenHeight        int
	Locale              string
	Timezone            string
	Platform            string
	Vendor              string
	WebGLVendor         string
	WebGLRenderer       string
	ColorDepth          int
	DeviceMemory        int
	HardwareConcurrency int
}

// Generator produces fingerprints. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator returns a generator seeded from the clock. Pass a seeded
// *rand.Rand to get reproducible fingerprints.
func NewGenerator(rnd *rand.Rand) *Generator {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rnd: rnd}
}

func (g *Generator) Generate() Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	screen := screens[g.rnd.Intn(len(screens))]

	return Fingerprint{
		UserAgent:           UserAgent,
		ScreenWidth:         screen.Width,
		ScreenHeight:        screen.Height,
		Locale:              defaultLocale,
		Timezone:            defaultTimezone,
		Platform:            PlatformFor(UserAgent),
		Vendor:              defaultVendor,
		WebGLVendor:         webGLVendor,
		WebGLRenderer:       webGLRenderer,
		ColorDepth:          colorDepths[g.rnd.Intn(len(colorDepths))],
		DeviceMemory:        deviceMemories[g.rnd.Intn(len(deviceMemories))],
		HardwareConcurrency: hardwareConcurrency[g.rnd.Intn(len(hardwareConcurrency))],
	}
}

// PlatformFor maps a user agent to the navigator.platform value a real browser would report.
func PlatformFor(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Windows"):
		return "Win32"
	case strings.Contains(userAgent, "Mac"):
		return "MacIntel"
	default:
		return "Linux x86_64"
	}
}
