// Package token はベアラートークンのペイロード解析と有効期限判定を提供する。
//
// 署名検証は行わない。トークンの発行元（Atlas）とローカルREST APIが署名を検証し、
// ここでは有効期限とroleクレームの読み取りだけを行う。
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/taskdesk/internal/model"
)

var (
	// ErrMalformed はトークンが3セグメント構造でない、またはペイロードをデコードできない場合のエラー。
	ErrMalformed = errors.New("token is malformed")
	// ErrNoExpiry はペイロードに数値のexpクレームが含まれない場合のエラー。
	ErrNoExpiry = errors.New("token has no numeric exp claim")
)

// DecodeError はDecodeの失敗理由を表す。
// errors.Is で ErrMalformed / ErrNoExpiry と比較できる。
type DecodeError struct {
	Reason error
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap は理由と原因エラーの両方を返す。
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Claims はトークンペイロードから読み取った値。
type Claims struct {
	Subject   string
	Role      model.Role
	ExpiresAt time.Time
}

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode はドット区切り3セグメントのトークンの中央セグメントをJSONとしてデコードし、
// exp（秒）、sub、roleを取り出す。
// ヘッダーと署名のセグメントは読まないため、ヘッダーが壊れていてもペイロードが読めれば成功とする。
func Decode(raw string) (*Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, &DecodeError{Reason: ErrMalformed, Err: errors.New("token must have three segments")}
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, &DecodeError{Reason: ErrMalformed, Err: err}
	}
	mc := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &mc); err != nil {
		return nil, &DecodeError{Reason: ErrMalformed, Err: err}
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, &DecodeError{Reason: ErrNoExpiry, Err: err}
	}
	if exp == nil {
		return nil, &DecodeError{Reason: ErrNoExpiry}
	}

	claims := &Claims{
		Subject:   stringClaim(mc, "sub"),
		ExpiresAt: exp.Time,
	}
	claims.Role = model.Role(stringClaim(mc, "role"))

	return claims, nil
}

// IsValid は now < exp の場合にtrueを返す。
// デコードに失敗したトークンは常に無効（fail closed）。
func IsValid(raw string, now time.Time) bool {
	claims, err := Decode(raw)
	if err != nil {
		return false
	}
	return now.Before(claims.ExpiresAt)
}

// stringClaim は文字列または数値のクレームを文字列として返す。
// Atlasのsubは数値IDで発行されることがある。
func stringClaim(mc jwt.MapClaims, key string) string {
	switch v := mc[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
