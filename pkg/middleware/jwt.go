package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken は認証トークンが無効であることを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// Role はユーザーの権限区分。
type Role string

const (
	// RoleSuperAdmin はシステム全体の管理者。
	RoleSuperAdmin Role = "SUPER_ADMIN"
	// RoleProvinceChair は県代表。全地区を管理できる。
	RoleProvinceChair Role = "IL_BASKANI"
	// RoleDistrictChair は地区代表。自分の地区のみ管理できる。
	RoleDistrictChair Role = "ILCE_BASKANI"
	// RoleVolunteer はボランティア。
	RoleVolunteer Role = "GONULLU"
)

// Identity は認証済みユーザーの情報。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID int64 `json:"user_id"`
	// Role はユーザーの権限区分。
	Role Role `json:"role"`
	// DistrictID はユーザーが所属する地区のID。
	DistrictID int64 `json:"district_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
}

// CanAccessAllDistricts は全地区を管轄する権限を持つ場合にtrueを返す。
func (i Identity) CanAccessAllDistricts() bool {
	return i.Role == RoleSuperAdmin || i.Role == RoleProvinceChair
}

// CanAccessDistrict は指定された地区のルームに参加できる場合にtrueを返す。
// 全地区を管轄する権限を持つか、自分の所属地区であることが条件。
func (i Identity) CanAccessDistrict(districtID int64) bool {
	if i.CanAccessAllDistricts() {
		return true
	}
	return districtID > 0 && districtID == i.DistrictID
}

// CanAnnounce はアナウンスを送信できる権限を持つ場合にtrueを返す。
func (i Identity) CanAnnounce() bool {
	switch i.Role {
	case RoleSuperAdmin, RoleProvinceChair, RoleDistrictChair:
		return true
	default:
		return false
	}
}

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID int64 `json:"user_id"`
	// Role はユーザーの権限区分。
	Role Role `json:"role"`
	// DistrictID はユーザーの所属地区。
	DistrictID int64 `json:"district_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// tokenIssuer はトークンの発行者。
const tokenIssuer = "volunteerhub-auth"

// headerKeyUserID はユーザーIDをレスポンスに伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// contextKeyIdentity はGinコンテキストに認証情報を格納するキー。
const contextKeyIdentity = "identity"

// Verifier はベアラートークンを検証してユーザー情報を返す。
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// JWTVerifier はHS256署名のJWTを検証する Verifier。
type JWTVerifier struct {
	// secret は署名検証用の秘密鍵。
	secret []byte
}

// NewJWTVerifier は新しいJWTVerifierを生成する。
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify はトークンの署名と発行者を検証し、有効期限内であればクレームからユーザー情報を取り出す。
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}

	return &Identity{
		UserID:     claims.UserID,
		Role:       claims.Role,
		DistrictID: claims.DistrictID,
		Email:      claims.Email,
	}, nil
}

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// 本番では認証サービスが発行するため、主に開発用ツールとテストで使用する。
func GenerateJWT(secret string, identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identity.UserID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID:     identity.UserID,
		Role:       identity.Role,
		DistrictID: identity.DistrictID,
		Email:      identity.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// BearerToken はリクエストからベアラートークンを取り出す。
// ブラウザのWebSocket APIはヘッダーを付与できないため、クエリパラメータ "token" も受け付ける。
func BearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.CutPrefix(authHeader, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// JWTAuth はベアラートークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに認証情報を設定する。
func JWTAuth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		identity, err := verifier.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrInvalidToken.Error(),
			})
			return
		}

		SetIdentity(c, identity)
		c.Header(headerKeyUserID, strconv.FormatInt(identity.UserID, 10))
		c.Next()
	}
}

// SetIdentity はGinコンテキストに認証情報を設定する。
func SetIdentity(c *gin.Context, identity *Identity) {
	c.Set(contextKeyIdentity, identity)
}

// GetIdentity はGinコンテキストから認証情報を取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*Identity)
	return identity, ok && identity != nil
}

// GetUserID はGinコンテキストからユーザーIDを取得する。未認証の場合は0を返す。
func GetUserID(c *gin.Context) int64 {
	identity, ok := GetIdentity(c)
	if !ok {
		return 0
	}
	return identity.UserID
}
