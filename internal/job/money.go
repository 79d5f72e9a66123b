package job

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "OpenBounty-Chain/internal/errors"
)

// USDCDecimals 是 USDC 的小数位数。
const USDCDecimals = 6

const unitsPerUSDC = 1_000_000

// ParseUSDC 把十进制字符串（如 "12.5"）解析为 USDC 最小单位。
// 超过 6 位小数的输入视为非法，不做静默截断。
func ParseUSDC(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole = s[:idx]
		frac = s[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > USDCDecimals {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "金额小数位不能超过 6 位")
	}

	wholeUnits, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析金额失败")
	}

	fracUnits := int64(0)
	if frac != "" {
		padded := frac + strings.Repeat("0", USDCDecimals-len(frac))
		fracUnits, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析金额小数部分失败")
		}
	}

	units := wholeUnits*unitsPerUSDC + fracUnits
	if negative {
		units = -units
	}
	return units, nil
}

// FormatUSDC 把最小单位格式化为十进制字符串，去掉多余的尾零。
func FormatUSDC(units int64) string {
	negative := units < 0
	if negative {
		units = -units
	}
	whole := units / unitsPerUSDC
	frac := units % unitsPerUSDC

	out := strconv.FormatInt(whole, 10)
	if frac > 0 {
		fracStr := fmt.Sprintf("%06d", frac)
		fracStr = strings.TrimRight(fracStr, "0")
		out += "." + fracStr
	}
	if negative {
		out = "-" + out
	}
	return out
}
