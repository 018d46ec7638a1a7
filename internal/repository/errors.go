package repository

import (
	"errors"
	"fmt"

	"github.com/hitoshi/clothman/internal/model"
	"github.com/lib/pq"
)

// PostgreSQLのdata_exceptionクラス。22001（文字列長超過）や22003（数値範囲外）を含む。
const pqDataException = pq.ErrorClass("22")

// wrapDataError はdata_exceptionをmodel.ErrValueOutOfRangeでラップする。それ以外はそのまま返す。
func wrapDataError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == pqDataException {
		return fmt.Errorf("%w: %s", model.ErrValueOutOfRange, pqErr.Message)
	}
	return err
}
