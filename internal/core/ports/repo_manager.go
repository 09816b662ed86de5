package ports

import "github.com/ArkLabsHQ/swapd/internal/core/domain"

type RepoManager interface {
	Swap() domain.SwapRepository
	Close()
}
