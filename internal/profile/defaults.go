package profile

// Built-in catalogs. Profiles override any list by setting it.
var (
	defaultKnownPopups = []PopupPair{
		{Identifier: "buttons/view", Close: "buttons/close_x"},
	}
	defaultRewardLandmarks = []string{
		"buttons/claim",
		"buttons/collect",
		"buttons/ok",
		"buttons/confirm",
	}
	defaultCloseTexts = []string{"关闭", "close", "×", "X"}
	defaultClaimTexts = []string{"领取", "claim", "collect", "收集", "一键领取"}

	defaultActionButtonLandmarks = []string{
		"buttons/upgrade_building",
		"buttons/upgrade",
		"buttons/build",
	}
	defaultActionButtonTexts = []string{
		"一键上阵", "前往", "升级", "建造", "训练", "出征", "领取", "确定", "下一个",
	}
	defaultRapidTapTexts = []string{"建造", "下一个"}

	defaultPopupCloseLandmarks = []string{"buttons/close_x", "buttons/close"}
	defaultPopupCloseTexts     = []string{"返回领地", "返回", "确定", "确认", "关闭"}
	defaultHubTexts            = []string{"城池", "home"}
	defaultSkipTexts           = []string{"跳过", "skip"}
	defaultVerifyClaimTexts    = []string{"领取", "全部领取"}
)

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return append([]string(nil), def...)
	}
	return v
}

func (p *Profile) applyDefaults() {
	if len(p.KnownPopups) == 0 {
		p.KnownPopups = append([]PopupPair(nil), defaultKnownPopups...)
	}
	p.RewardLandmarks = orDefault(p.RewardLandmarks, defaultRewardLandmarks)
	p.CloseTexts = orDefault(p.CloseTexts, defaultCloseTexts)
	p.ClaimTexts = orDefault(p.ClaimTexts, defaultClaimTexts)
	p.ActionButtonLandmarks = orDefault(p.ActionButtonLandmarks, defaultActionButtonLandmarks)
	p.ActionButtonTexts = orDefault(p.ActionButtonTexts, defaultActionButtonTexts)
	p.RapidTapTexts = orDefault(p.RapidTapTexts, defaultRapidTapTexts)
	p.PopupCloseLandmarks = orDefault(p.PopupCloseLandmarks, defaultPopupCloseLandmarks)
	p.PopupCloseTexts = orDefault(p.PopupCloseTexts, defaultPopupCloseTexts)
	p.HubTexts = orDefault(p.HubTexts, defaultHubTexts)
	p.SkipTexts = orDefault(p.SkipTexts, defaultSkipTexts)
	p.VerifyClaimTexts = orDefault(p.VerifyClaimTexts, defaultVerifyClaimTexts)
	if p.DefaultResources == nil {
		p.DefaultResources = map[string]int{}
	}
}
