package openai

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

func statusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// isRateLimitError はレート制限 (429) かどうかを返す
func isRateLimitError(err error) bool {
	return statusCode(err) == http.StatusTooManyRequests
}

// classify は API エラーを呼び出し側のセンチネルエラーに対応付ける
// 認証・権限・モデル不在は unavailable、入力の不正は rejected、それ以外は一時的な失敗として返す
func classify(err error, unavailable, rejected error) error {
	switch code := statusCode(err); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", unavailable, err)
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		if rejected == nil {
			return err
		}
		return fmt.Errorf("%w: %w", rejected, err)
	}
	return err
}
