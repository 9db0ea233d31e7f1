package chrome

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

//go:embed evasions.js
var evasionsScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// applyStealth makes a headless target present as an ordinary desktop browser
// matching the persona.
func applyStealth(p schemas.Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform).WithAcceptLanguage(strings.Join(p.Languages, ",")),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(personaScript(p) + evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": acceptLanguage(p.Languages),
		}))
	}
	return tasks
}

// personaScript seeds the values evasions.js reads.
func personaScript(p schemas.Persona) string {
	langs, _ := json.Marshal(p.Languages)
	platform, _ := json.Marshal(p.Platform)
	return fmt.Sprintf("window.__wayfinderPersona = {languages: %s, platform: %s};\n", langs, platform)
}

func acceptLanguage(langs []string) string {
	var b strings.Builder
	for i, l := range langs {
		if i > 0 {
			fmt.Fprintf(&b, ",%s;q=0.%d", l, max(1, 9-i))
			continue
		}
		b.WriteString(l)
	}
	return b.String()
}
