package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rule は形質ラベルから取り除く定型文のパターン
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules は GWAS / UK Biobank 由来の形質ラベルに含まれる定型文の除去ルール
// 順序に意味がある: フィールド接頭辞(コード付き)を先に除去し、汎用的な "^Ever had" などは後に適用する
func DefaultRules() []Rule {
	return []Rule{
		rule("icd10-main", `Diagnoses - main ICD10: [A-Z][0-9]+(\.[0-9]+)?\s*`),
		rule("opcs-main", `Operative procedures - main OPCS: [A-Z][0-9]+(\.[0-9]+)?\s*`),
		rule("icd10-secondary", `Diagnoses - secondary ICD10: [A-Z][0-9]+(\.[0-9]+)?\s*`),
		rule("opcs-secondary", `Operative procedures - secondary OPCS: [A-Z][0-9]+(\.[0-9]+)?\s*`),
		rule("opcs4-main", `Operative procedures - main OPCS4 \([A-Z][0-9]+(\.[0-9]+)?\s*`),
		rule("opcs4-secondary", `Operative procedures - secondary OPCS4 \([A-Z][0-9]+(\.[0-9]+)?\s*`),
		rule("self-reported-illness", `Non-cancer illness code, self-reported:`),
		rule("benign-neoplasm", `Benign neoplasm:`),
		rule("malignant-neoplasm", `Malignant neoplasm:`),
		rule("operation-code", `Operation code:`),
		rule("medication-code", `Treatment/medication code:`),
		rule("medication-use", `Medication use`),
		rule("levels-suffix", `levels$`),
		rule("firth", `Firth correction`),
		rule("spa", `SPA correction`),
		rule("ukb-field", `UKB data field \d+`),
		rule("illness-code", `Non-cancer illness code`),
		rule("self-reported", `self reported`),
		rule("ever-had", `^Ever had`),
		rule("nmr", `^NMR`),
		rule("automated-reading", `automated reading`),
		rule("icd10-prefix", `^ICD10 [A-Z][0-9]+(\.[0-9]+)?\s*`),
	}
}

func rule(name, pattern string) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(pattern)}
}

var (
	nonAlnum   = regexp.MustCompile(`[^a-zA-Z0-9\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalizer は形質ラベルを埋め込み用の正規形に変換する
type Normalizer struct {
	rules []Rule
}

type normalizerOptions struct {
	extra []Rule
}

// Option は Normalizer のオプション設定
type Option func(*normalizerOptions)

// WithExtraRules はデフォルトルールの後に適用するルールを追加する
func WithExtraRules(rules ...Rule) Option {
	return func(o *normalizerOptions) {
		o.extra = append(o.extra, rules...)
	}
}

// NewNormalizer は新しい Normalizer を作成する
func NewNormalizer(opts ...Option) *Normalizer {
	options := normalizerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	rules := DefaultRules()
	rules = append(rules, options.extra...)

	return &Normalizer{rules: rules}
}

// Normalize はラベルを正規化する。純粋関数で、任意の入力に対して定義される
// 結果は [a-z0-9 ] のみで構成され、前後・連続スペースを含まない
func (n *Normalizer) Normalize(raw string) string {
	text := norm.NFKC.String(raw)

	// 小文字化後に "levels$" などが新たに一致しうるため、不動点まで繰り返す
	// 変化する場合は必ず短くなるので停止する
	for {
		next := n.pass(text)
		if next == text {
			return next
		}
		text = next
	}
}

// NormalizeAll はスライスをまとめて正規化する
func (n *Normalizer) NormalizeAll(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = n.Normalize(t)
	}
	return out
}

func (n *Normalizer) pass(text string) string {
	for _, r := range n.rules {
		text = r.Pattern.ReplaceAllString(text, "")
	}
	return clean(text)
}

// clean は英数字と空白以外を空白に置換し、空白を詰めて小文字化する
func clean(text string) string {
	text = nonAlnum.ReplaceAllString(text, " ")
	text = whitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	return strings.ToLower(text)
}
