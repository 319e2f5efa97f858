package incident

import "fmt"

// User-facing strings. The product speaks Russian; keep these byte-exact
// across refactors, they are pinned by user documentation and the TTS
// recordings QA compares against.
const (
	msgBotConnected  = "👋 Привет! Бот подключен."
	msgPong          = "pong"
	msgPanicSent     = "🚨 Сигнал тревоги отправлен. Близкие оповещены."
	msgPanicCanceled = "❌ Тревога отменена."
	msgCanceledEdit  = "❌ Тревога отменена путешественником."
	msgExhausted     = "никто из близких не подтвердил получение сигнала"

	btnAck    = "✅ Я беру на себя ответственность"
	btnCancel = "❌ Отменить тревогу"

	toastAccepted = "✅ Принято"

	ttsLanguage = "ru-RU"
)

func guardianAlertText(traveler string) string {
	return fmt.Sprintf("🚨 ТРЕВОГА! %s нуждается в помощи! Нажмите кнопку, чтобы подтвердить, что вы берёте на себя ответственность.", traveler)
}

func handledEditText(guardian string) string {
	return fmt.Sprintf("✅ Инцидент подтверждён: %s взял(а) на себя ответственность.", guardian)
}

func reminderText(n int) string {
	return fmt.Sprintf("⏰ Напоминание #%d: тревога всё ещё активна!", n)
}

func ackNoticeText(guardian string) string {
	return fmt.Sprintf("✅ %s подтвердил(а) получение сигнала.", guardian)
}

func ttsPromptText(traveler string) string {
	return fmt.Sprintf("Тревога! Срочно свяжитесь с %s. Нажмите 1 для подтверждения.", traveler)
}
