package annotate

import (
	"os"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"page-translator/internal/logger"
	"page-translator/internal/types"
)

// CJKFont is preferred when present; it is drawn larger.
const (
	CJKFont     = "/Library/Fonts/NotoSansCJK-Regular.ttc"
	CJKFontSize = 50
)

// FallbackFonts are tried in order after the configured and CJK fonts.
var FallbackFonts = []string{
	"/System/Library/Fonts/SF-Pro.ttf",
	"/System/Library/Fonts/Helvetica.ttc",
	"/Library/Fonts/Arial.ttf",
	"/System/Library/Fonts/SFNSText.ttf",
}

// Font is a parsed face with its drawing size. The parsed font is shared
// between workers; faces are created per page.
type Font struct {
	TTF    *truetype.Font
	Size   float64
	Source string
}

// LoadFont resolves the drawing font: the configured path, then CJKFont,
// then FallbackFonts, then the embedded Go font. It only fails when an
// explicitly configured path cannot be used.
func LoadFont(path string, size float64) (*Font, error) {
	if path != "" {
		f, err := parseFontFile(path)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrConfig, "failed to load font", path, err)
		}
		return &Font{TTF: f, Size: size, Source: path}, nil
	}

	if f, err := parseFontFile(CJKFont); err == nil {
		return &Font{TTF: f, Size: CJKFontSize, Source: CJKFont}, nil
	}
	for _, candidate := range FallbackFonts {
		f, err := parseFontFile(candidate)
		if err != nil {
			continue
		}
		return &Font{TTF: f, Size: size, Source: candidate}, nil
	}

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, types.NewAppError(types.ErrInternal, "failed to parse embedded font", err)
	}
	logger.Debug("no system font found, using embedded Go font")
	return &Font{TTF: f, Size: size, Source: "goregular"}, nil
}

func parseFontFile(path string) (*truetype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// collections (.ttc) are rejected by the parser and fall through
	return truetype.Parse(data)
}
