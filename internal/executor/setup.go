package executor

import (
	"context"
	"errors"
	"time"

	"mindloom/internal/run"
)

const markFailedTimeout = 5 * time.Second

// MarkSetupFailure 在依赖初始化失败、运行尚未进入执行前，尽力把
// 运行落为 FAILED，避免留下一条永远 PENDING 的记录。运行已经处于
// 终态时视为成功，保持原有终态不变。
func MarkSetupFailure(store run.Store, runID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), markFailedTimeout)
	defer cancel()

	_, err := store.UpdateStatus(ctx, runID, run.StatusFailed, nil, cause.Error())
	if err == nil || errors.Is(err, run.ErrRunTerminal) {
		return nil
	}
	return err
}
