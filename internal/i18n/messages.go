// Package i18n renders user-facing text in the chat's language. Messages
// live in a golang.org/x/text catalog keyed by Key; English is the fallback
// for anything missing in another language.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/tbourn/pillsync/internal/domain"
)

// Key identifies a message in the catalog.
type Key string

const (
	Start            Key = "start"
	Unauthorized     Key = "unauthorized"
	Busy             Key = "busy"
	PromptName       Key = "prompt_name"
	PromptDosage     Key = "prompt_dosage"
	PromptTimes      Key = "prompt_times"
	TimesAccepted    Key = "times_accepted"
	TimesInvalid     Key = "times_invalid"
	TimesNeedOne     Key = "times_need_one"
	NameInvalid      Key = "name_invalid"
	NameTaken        Key = "name_taken"
	DosageInvalid    Key = "dosage_invalid"
	AddUsage         Key = "add_usage"
	MedicationAdded  Key = "medication_added"
	Cancelled        Key = "cancelled"
	DeleteUsage      Key = "delete_usage"
	MedicationGone   Key = "medication_deleted"
	MedicationAbsent Key = "medication_not_found"
	ListEmpty        Key = "list_empty"
	ListLine         Key = "list_line"
	ListTimezone     Key = "list_timezone"
	TimezonePrompt   Key = "timezone_prompt"
	TimezoneSet      Key = "timezone_set"
	TimezoneInvalid  Key = "timezone_invalid"
	LanguageUsage    Key = "language_usage"
	LanguageSet      Key = "language_set"
	Reminder         Key = "reminder"
	AckButton        Key = "ack_button"
	AckConfirmed     Key = "ack_confirmed"
	AckAlready       Key = "ack_already"
	AckStale         Key = "ack_stale"
	TemporaryFailure Key = "temporary_failure"
)

var english = map[Key]string{
	Start: "Hi! I will remind you to take your medications.\n\n" +
		"/add - add a medication step by step\n" +
		"/add <name> <dosage> <HH:MM> [HH:MM...] - add in one message\n" +
		"/list - show your medications\n" +
		"/delete <name> - remove a medication\n" +
		"/timezone <Area/City> - set your time zone\n" +
		"/language <en|ru> - switch language\n" +
		"/cancel - abort the current step",
	Unauthorized:     "Access denied. You are not authorized to use this bot.",
	Busy:             "Please finish the current step or send /cancel.",
	PromptName:       "What is the medication called?",
	PromptDosage:     "What dosage of %[1]s do you take?",
	PromptTimes:      "At what times? Send one or more times as HH:MM, then \"done\".",
	TimesAccepted:    "Times so far: %[1]s. Send more or \"done\".",
	TimesInvalid:     "%[1]q is not a valid time. Use HH:MM, for example 08:30.",
	TimesNeedOne:     "Add at least one time before sending \"done\".",
	NameInvalid:      "The name must be between 1 and %[1]d characters.",
	NameTaken:        "You already have a medication called %[1]s.",
	DosageInvalid:    "The dosage must be between 1 and %[1]d characters.",
	AddUsage:         "Usage: /add <name> <dosage> <HH:MM> [HH:MM...], or just /add.",
	MedicationAdded:  "Added %[1]s (%[2]s) at %[3]s.",
	Cancelled:        "Cancelled.",
	DeleteUsage:      "Usage: /delete <name>",
	MedicationGone:   "Deleted %[1]s.",
	MedicationAbsent: "No medication called %[1]s.",
	ListEmpty:        "You have no medications yet. Use /add to add one.",
	ListLine:         "%[1]s (%[2]s) at %[3]s",
	ListTimezone:     "Time zone: %[1]s",
	TimezonePrompt:   "Send your time zone, for example Europe/Moscow.",
	TimezoneSet:      "Time zone set to %[1]s.",
	TimezoneInvalid:  "Unknown time zone %[1]q. Use a name like Europe/Moscow.",
	LanguageUsage:    "Usage: /language <en|ru>",
	LanguageSet:      "Language set to English.",
	Reminder:         "Time to take %[1]s (%[2]s), scheduled for %[3]s.",
	AckButton:        "Taken",
	AckConfirmed:     "Marked %[1]s at %[2]s as taken.",
	AckAlready:       "%[1]s at %[2]s was already marked as taken.",
	AckStale:         "This reminder is no longer active.",
	TemporaryFailure: "Something went wrong, please try again in a moment.",
}

var russian = map[Key]string{
	Start: "Привет! Я буду напоминать о приёме лекарств.\n\n" +
		"/add - добавить лекарство по шагам\n" +
		"/add <название> <дозировка> <ЧЧ:ММ> [ЧЧ:ММ...] - добавить одним сообщением\n" +
		"/list - список лекарств\n" +
		"/delete <название> - удалить лекарство\n" +
		"/timezone <Область/Город> - установить часовой пояс\n" +
		"/language <en|ru> - сменить язык\n" +
		"/cancel - отменить текущий шаг",
	Unauthorized:     "Доступ запрещён. Вы не авторизованы для использования этого бота.",
	Busy:             "Завершите текущий шаг или отправьте /cancel.",
	PromptName:       "Как называется лекарство?",
	PromptDosage:     "Какая дозировка %[1]s?",
	PromptTimes:      "В какое время? Отправьте одно или несколько значений ЧЧ:ММ, затем \"done\".",
	TimesAccepted:    "Время приёма: %[1]s. Отправьте ещё или \"done\".",
	TimesInvalid:     "%[1]q не является временем. Используйте ЧЧ:ММ, например 08:30.",
	TimesNeedOne:     "Добавьте хотя бы одно время перед \"done\".",
	NameInvalid:      "Название должно быть от 1 до %[1]d символов.",
	NameTaken:        "Лекарство %[1]s уже есть в списке.",
	DosageInvalid:    "Дозировка должна быть от 1 до %[1]d символов.",
	AddUsage:         "Использование: /add <название> <дозировка> <ЧЧ:ММ> [ЧЧ:ММ...] или просто /add.",
	MedicationAdded:  "Добавлено %[1]s (%[2]s) в %[3]s.",
	Cancelled:        "Отменено.",
	DeleteUsage:      "Использование: /delete <название>",
	MedicationGone:   "Лекарство %[1]s удалено.",
	MedicationAbsent: "Лекарство %[1]s не найдено.",
	ListEmpty:        "Список лекарств пуст. Добавьте лекарство командой /add.",
	ListLine:         "%[1]s (%[2]s) в %[3]s",
	ListTimezone:     "Часовой пояс: %[1]s",
	TimezonePrompt:   "Отправьте часовой пояс, например Europe/Moscow.",
	TimezoneSet:      "Часовой пояс установлен: %[1]s.",
	TimezoneInvalid:  "Неизвестный часовой пояс %[1]q. Используйте название вида Europe/Moscow.",
	LanguageUsage:    "Использование: /language <en|ru>",
	LanguageSet:      "Язык изменён на русский.",
	Reminder:         "Пора принять %[1]s (%[2]s), время приёма %[3]s.",
	AckButton:        "Принято",
	AckConfirmed:     "Приём %[1]s в %[2]s отмечен.",
	AckAlready:       "Приём %[1]s в %[2]s уже был отмечен.",
	AckStale:         "Это напоминание больше не активно.",
	TemporaryFailure: "Что-то пошло не так, попробуйте ещё раз чуть позже.",
}

var cat = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range map[language.Tag]map[Key]string{
		language.English: english,
		language.Russian: russian,
	} {
		for k, v := range msgs {
			if err := b.SetString(tag, string(k), v); err != nil {
				panic(err)
			}
		}
	}
	return b
}()

// Tag maps a chat language to its BCP 47 tag.
func Tag(lang domain.Language) language.Tag {
	if lang == domain.LangRussian {
		return language.Russian
	}
	return language.English
}

// Printer returns a printer bound to the catalog for lang.
func Printer(lang domain.Language) *message.Printer {
	return message.NewPrinter(Tag(lang), message.Catalog(cat))
}

// T renders key in lang with args.
func T(lang domain.Language, key Key, args ...any) string {
	return Printer(lang).Sprintf(string(key), args...)
}
