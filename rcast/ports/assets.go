package ports

// AssetName identifies a fixed static response.
type AssetName string

const (
	AssetOversized     AssetName = "oversized"
	AssetEasterEgg     AssetName = "easteregg"
	AssetStart         AssetName = "start"
	AssetFavicon       AssetName = "favicon"
	AssetClientError   AssetName = "clienterror"
	AssetTerminalError AssetName = "error"
)

// Assets serves static artifacts.
type Assets interface {
	Get(name AssetName) ([]byte, bool)
	// Transition returns the level-exit image for (episode, map), if one exists.
	Transition(episode, mapNum int) ([]byte, bool)
}
