package antibot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/go-rod/stealth"
)

// ScriptTarget is the part of a browser page the injector needs.
type ScriptTarget interface {
	AddInitScript(ctx context.Context, script string) error
	Evaluate(ctx context.Context, expression string) (any, error)
}

// ErrInjection is returned when the page rejects the stealth scripts.
type ErrInjection struct {
	Err error
}

func (e *ErrInjection) Error() string {
	return fmt.Sprintf("stealth injection failed: %v", e.Err)
}

func (e *ErrInjection) Unwrap() error {
	return e.Err
}

var stealthTemplate = template.Must(template.New("stealth").Funcs(template.FuncMap{
	"js": jsLiteral,
}).Parse(`(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  for (const key of ['cdc_adoQpoasnfa76pfcZLmcfl_Array', 'cdc_adoQpoasnfa76pfcZLmcfl_Promise', 'cdc_adoQpoasnfa76pfcZLmcfl_Symbol']) {
    try { delete window[key]; } catch (e) {}
  }
  if (!window.chrome) {
    window.chrome = { runtime: {}, loadTimes: function () {}, csi: function () {}, app: {} };
  }

  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(navigator, 'userAgent', {{js .UserAgent}});
  define(navigator, 'platform', {{js .Platform}});
  define(navigator, 'vendor', {{js .Vendor}});
  define(navigator, 'language', {{js .Locale}});
  define(navigator, 'languages', {{js .Languages}});
  define(navigator, 'hardwareConcurrency', {{.HardwareConcurrency}});
  define(navigator, 'deviceMemory', {{.DeviceMemory}});
  define(screen, 'width', {{.ScreenWidth}});
  define(screen, 'height', {{.ScreenHeight}});
  define(screen, 'availWidth', {{.ScreenWidth}});
  define(screen, 'availHeight', {{.ScreenHeight}});
  define(screen, 'colorDepth', {{.ColorDepth}});
  define(screen, 'pixelDepth', {{.ColorDepth}});

  const getImageData = CanvasRenderingContext2D.prototype.getImageData;
  CanvasRenderingContext2D.prototype.getImageData = function (...args) {
    const imageData = getImageData.apply(this, args);
    for (let i = 0; i < imageData.data.length; i += 4) {
      imageData.data[i] += Math.floor(Math.random() * 3) - 1;
      imageData.data[i + 1] += Math.floor(Math.random() * 3) - 1;
      imageData.data[i + 2] += Math.floor(Math.random() * 3) - 1;
    }
    return imageData;
  };

  const spoofWebGL = (proto) => {
    if (!proto) return;
    const getParameter = proto.getParameter;
    proto.getParameter = function (parameter) {
      if (parameter === 37445) return {{js .WebGLVendor}};
      if (parameter === 37446) return {{js .WebGLRenderer}};
      return getParameter.call(this, parameter);
    };
  };
  spoofWebGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  spoofWebGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  define(navigator, 'plugins', [
    { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
    { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
    { name: 'Native Client', filename: 'internal-nacl-plugin', description: '' },
  ]);
})();`))

func jsLiteral(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type scriptData struct {
	Fingerprint
	Languages []string
}

// Script renders the countermeasure script for fp.
func Script(fp Fingerprint) (string, error) {
	languages := []string{fp.Locale}
	if fp.Locale == defaultLocale {
		languages = []string{"pt-BR", "pt", "en-US", "en"}
	}

	var buf bytes.Buffer
	if err := stealthTemplate.Execute(&buf, scriptData{Fingerprint: fp, Languages: languages}); err != nil {
		return "", fmt.Errorf("failed to render stealth script: %w", err)
	}
	return buf.String(), nil
}

// Injector conditions pages before navigation.
type Injector struct {
	// Extended also registers the go-rod/stealth evasion bundle.
	Extended bool
	logger   *slog.Logger
}

func NewInjector(extended bool, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		Extended: extended,
		logger:   logger.With("component", "stealth"),
	}
}

// Apply registers the scripts to run before every document of the page and
// runs them once against the current document.
func (i *Injector) Apply(ctx context.Context, page ScriptTarget, fp Fingerprint) error {
	script, err := Script(fp)
	if err != nil {
		return &ErrInjection{Err: err}
	}

	scripts := []string{script}
	if i.Extended {
		scripts = append([]string{stealth.JS}, scripts...)
	}

	for _, s := range scripts {
		if err := page.AddInitScript(ctx, s); err != nil {
			return &ErrInjection{Err: fmt.Errorf("failed to add init script: %w", err)}
		}
	}

	if _, err := page.Evaluate(ctx, script); err != nil {
		return &ErrInjection{Err: fmt.Errorf("failed to evaluate stealth script: %w", err)}
	}

	i.logger.Debug("stealth applied",
		"platform", fp.Platform,
		"screen", fmt.Sprintf("%dx%d", fp.ScreenWidth, fp.ScreenHeight),
		"extended", i.Extended)

	return nil
}
